// Statistics provide a type and method receivers for marshalling and
// un-marshalling statistics as JSON.
//
// Note:
//  1. statistics key should not have "/" character.

package common

import (
	"encoding/json"
)

// Statistics is a key value map of component counters.
type Statistics map[string]interface{}

// NewStatistics return a new instance of stat structure initialized with
// data.
func NewStatistics(data interface{}) (stat Statistics, err error) {
	var statm Statistics

	switch v := data.(type) {
	case string:
		statm = make(Statistics)
		err = json.Unmarshal([]byte(v), &statm)
	case []byte:
		statm = make(Statistics)
		err = json.Unmarshal(v, &statm)
	case map[string]interface{}:
		statm = Statistics(v)
	case nil:
		statm = make(Statistics)
	}
	return statm, err
}

// Encode marshals the statistics as JSON.
func (s Statistics) Encode() (data []byte, err error) {
	data, err = json.Marshal(s)
	return
}

// Decode unmarshals JSON data over the receiver.
func (s Statistics) Decode(data []byte) (err error) {
	return json.Unmarshal(data, &s)
}

// Set stat value for key.
func (s Statistics) Set(key string, value interface{}) {
	s[key] = value
}

// Get stat value for key.
func (s Statistics) Get(key string) interface{} {
	return s[key]
}

// ToMap converts the statistics to a plain map.
func (s Statistics) ToMap() map[string]interface{} {
	m := make(map[string]interface{})
	for key, value := range s {
		m[key] = value
	}
	return m
}

// Incr increments an integer valued stat by one.
func (s Statistics) Incr(key string) {
	switch v := s[key].(type) {
	case int64:
		s[key] = v + 1
	case uint64:
		s[key] = v + 1
	case float64:
		s[key] = v + 1
	case int:
		s[key] = v + 1
	}
}
