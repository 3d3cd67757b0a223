package domain

import (
	"github.com/eleven-am/strand/internal/xjson"
)

func marshal(v interface{}) ([]byte, error) {
	return xjson.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return xjson.Unmarshal(data, v)
}
