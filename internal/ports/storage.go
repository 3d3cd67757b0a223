package ports

type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error

	BatchWrite(ops []WriteOp) error

	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error)
	ListByPrefix(prefix string) ([]KeyValue, error)
	CountPrefix(prefix string) (count int, err error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	AtomicIncrement(key string) (newValue int64, err error)

	RunInTransaction(fn func(tx Transaction) error) error

	Subscribe(prefix string) (<-chan StorageEvent, func(), error)
	Close() error
}

type Transaction interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
}

type WriteOp struct {
	Type  OpType
	Key   string
	Value []byte
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type KeyValue struct {
	Key   string
	Value []byte
}

type StorageEventType int

const (
	EventPut StorageEventType = iota
	EventDelete
)

type StorageEvent struct {
	Type StorageEventType
	Key  string
}
