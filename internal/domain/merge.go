package domain

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"

	"github.com/eleven-am/strand/internal/xjson"
)

// MergeOutputs folds a node's result into the accumulated upstream state.
// Objects merge key-wise with the newer side winning, arrays append, and
// mismatched shapes resolve to the newer value.
func MergeOutputs(current, results xjson.RawMessage) (xjson.RawMessage, error) {
	if len(current) == 0 {
		return results, nil
	}

	if len(results) == 0 {
		return current, nil
	}

	var currentData, resultsData interface{}

	if err := json.Unmarshal(current, &currentData); err != nil {
		return nil, &StorageError{Type: ErrCorrupted, Message: "merge: current state is not valid JSON: " + err.Error()}
	}

	if err := json.Unmarshal(results, &resultsData); err != nil {
		return nil, &StorageError{Type: ErrCorrupted, Message: "merge: results are not valid JSON: " + err.Error()}
	}

	switch {
	case isObject(currentData) && isObject(resultsData):
		currentMap := currentData.(map[string]interface{})
		resultsMap := resultsData.(map[string]interface{})

		if err := mergo.Merge(&currentMap, resultsMap,
			mergo.WithOverride,
			mergo.WithAppendSlice); err != nil {
			return nil, err
		}

		return json.Marshal(currentMap)

	case isArray(currentData) && isArray(resultsData):
		currentSlice := currentData.([]interface{})
		resultsSlice := resultsData.([]interface{})

		merged := make([]interface{}, 0, len(currentSlice)+len(resultsSlice))
		merged = append(merged, currentSlice...)
		merged = append(merged, resultsSlice...)

		return json.Marshal(merged)

	default:
		return results, nil
	}
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}
