// Config is key, value map for system level and component configuration.
// Key is a string and represents a config parameter, and corresponding
// value is an interface{} that can be consumed using accessor methods
// based on the context of config-value.
//
// Config maps are immutable and newer versions can be created using accessor
// methods.
//
// Shape of config-parameter, the key string, is sequence of alpha-numeric
// characters separated by one or more '.' , eg,
//      "dcp.consumer.bufferBytes"

package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"

	"github.com/couchbase/godcp/logging"
)

// Threadsafe config holder object
type ConfigHolder struct {
	ptr unsafe.Pointer
}

func (h *ConfigHolder) Store(conf Config) {
	atomic.StorePointer(&h.ptr, unsafe.Pointer(&conf))
}

func (h *ConfigHolder) Load() Config {
	confptr := atomic.LoadPointer(&h.ptr)
	return *(*Config)(confptr)
}

// Config is a key, value map with key always being a string
// represents a config-parameter.
type Config map[string]ConfigValue

// ConfigValue for each parameter.
type ConfigValue struct {
	Value         interface{}
	Help          string
	DefaultVal    interface{}
	Immutable     bool
	Casesensitive bool
}

// SystemConfig is default configuration for system and components.
// configuration parameters follow flat namespacing like,
//      "maxVbuckets"  for system-level config parameter
//      "dcp.xxx" for the stream engine.
//      "dcp.consumer.xxx" for the consumer side of the stream engine.
// etc...
var SystemConfig = Config{
	// system parameters
	"maxVbuckets": ConfigValue{
		1024,
		"number of vbuckets configured in KV",
		1024,
		true,  // immutable
		false, // case-insensitive
	},
	// producer parameters
	"dcp.checkpoint.batchSize": ConfigValue{
		10,
		"maximum number of mutations pulled from the checkpoint " +
			"cursor per snapshot",
		10,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.backfill.byteLimit": ConfigValue{
		20 * 1024 * 1024,
		"maximum bytes of unsent backfill data buffered per stream, " +
			"beyond which the scan is paused",
		20 * 1024 * 1024,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.backfill.itemLimit": ConfigValue{
		1000,
		"maximum number of unsent backfill items buffered per stream",
		1000,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.backfill.chunkSize": ConfigValue{
		256,
		"number of items scanned from disk between pause checks",
		256,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.backfill.scanRate": ConfigValue{
		0,
		"backfill scan throttle in items per second, 0 for unlimited",
		0,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.takeoverSendMaxTime": ConfigValue{
		10 * 1000,
		"milliseconds to wait for the takeover state-change ack " +
			"before invoking the takeover policy",
		10 * 1000,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.executor.workers": ConfigValue{
		4,
		"maximum number of concurrently running executor tasks",
		4,
		true,  // immutable
		false, // case-insensitive
	},
	"dcp.compression": ConfigValue{
		"none",
		"value compression for produced mutations, " +
			"one of none, snappy, lz4, zstd",
		"none",
		false, // mutable
		false, // case-insensitive
	},
	// consumer parameters
	"dcp.consumer.bufferBytes": ConfigValue{
		10 * 1024 * 1024,
		"maximum bytes buffered per passive stream before " +
			"message-received returns a capacity error",
		10 * 1024 * 1024,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.consumer.bufferItems": ConfigValue{
		5000,
		"maximum messages buffered per passive stream",
		5000,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.consumer.batchSize": ConfigValue{
		10,
		"number of buffered messages processed per drain invocation",
		10,
		false, // mutable
		false, // case-insensitive
	},
	"dcp.consumer.arena.startChunkSize": ConfigValue{
		256,
		"start chunk size for the buffered-body slab arena",
		256,
		true,  // immutable
		false, // case-insensitive
	},
	"dcp.consumer.arena.slabSize": ConfigValue{
		1024 * 1024,
		"slab size for the buffered-body slab arena",
		1024 * 1024,
		true,  // immutable
		false, // case-insensitive
	},
}

// NewConfig from another Config object or from map[string]interface{}
// object or from []byte slice, a byte-slice of JSON string.
func NewConfig(data interface{}) (Config, error) {
	config := SystemConfig.Clone()
	err := config.Update(data)
	return config, err
}

// LoadFile reads a yaml file of parameter overrides and applies them on a
// clone of SystemConfig.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return NewConfig(m)
}

// Update config object with data, can be a Config, map[string]interface{},
// []byte.
func (config Config) Update(data interface{}) error {
	fmsg := "CONF[] skipping setting key %q value '%v': %v"
	switch v := data.(type) {
	case Config: // Clone
		for key, value := range v {
			config.Set(key, value)
		}

	case []byte: // parse JSON
		m := make(map[string]interface{})
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		config.Update(m)

	case map[string]interface{}: // transform
		for key, value := range v {
			if cv, ok := SystemConfig[key]; ok { // valid config.
				if _, ok := config[key]; !ok {
					config[key] = cv // copy by value
				}
				if err := config.SetValue(key, value); err != nil {
					logging.Warnf(fmsg, key, value, err)
				}

			} else {
				logging.Errorf("invalid config param %q", key)
			}
		}

	default:
		return nil
	}
	return nil
}

// Clone a new config object.
func (config Config) Clone() Config {
	clone := make(Config)
	for key, value := range config {
		clone[key] = value
	}
	return clone
}

// Override will copy `other` configuration over the receiver, ignoring
// values equal to the current value or to the default.
func (config Config) Override(others ...Config) Config {
	for _, other := range others {
		for key, cv := range other {
			ocv, ok := config[key]
			if !ok {
				ocv = cv
			} else if cv.Value == nil || ocv.Value == cv.Value {
				continue
			} else {
				ocv.Value = cv.Value
			}
			config[key] = ocv
		}
	}
	return config
}

// SectionConfig will create a new config object with parameters
// starting with `prefix`. If `trim` is true, then config
// parameter will be trimmed with the prefix string.
func (config Config) SectionConfig(prefix string, trim bool) Config {
	section := make(Config)
	for key, value := range config {
		if strings.HasPrefix(key, prefix) {
			if trim {
				section[strings.TrimPrefix(key, prefix)] = value
			} else {
				section[key] = value
			}
		}
	}
	return section
}

// Set ConfigValue for parameter. Mutates the config object.
func (config Config) Set(key string, cv ConfigValue) Config {
	config[key] = cv
	return config
}

// SetValue config parameter with value. Mutates the config object.
func (config Config) SetValue(key string, value interface{}) error {
	cv, ok := config[key]
	if !ok {
		return errors.New("invalid config parameter")
	}

	if value == nil {
		return errors.New("config value is nil")
	}

	defType := reflect.TypeOf(cv.DefaultVal)
	valType := reflect.TypeOf(value)

	if valType.ConvertibleTo(defType) {
		v := reflect.ValueOf(value)
		v = reflect.Indirect(v)
		value = v.Convert(defType).Interface()
		valType = defType
	}

	if valType.Kind() == reflect.String && cv.Casesensitive == false {
		value = strings.ToLower(value.(string))
	}

	if defType != reflect.TypeOf(value) {
		return fmt.Errorf("%v: Value type mismatch, %v != %v (%v)",
			key, valType, defType, value)
	}

	cv.Value = value
	config[key] = cv

	return nil
}

// Map will return key value map from the config
func (config Config) Map() map[string]interface{} {
	kvs := make(map[string]interface{})
	for key, value := range config {
		kvs[key] = value.Value
	}
	return kvs
}

// Json will marshal config into JSON string.
func (config Config) Json() []byte {
	bytes, _ := json.Marshal(config.Map())
	return bytes
}

func (config Config) String() string {
	return string(config.Json())
}

// Int assumes config value is an integer and returns the same.
func (cv ConfigValue) Int() int {
	if val, ok := cv.Value.(int); ok {
		return val
	} else if val, ok := cv.Value.(float64); ok {
		return int(val)
	}
	panic(fmt.Errorf("config value %v not an integer", cv.Value))
}

// Uint64 assumes config value is 64-bit integer and returns the same.
func (cv ConfigValue) Uint64() uint64 {
	return uint64(cv.Int())
}

// Uint32 assumes config value is 32-bit integer and returns the same.
func (cv ConfigValue) Uint32() uint32 {
	return uint32(cv.Int())
}

// Duration assumes config value is in milliseconds and returns the
// corresponding time.Duration.
func (cv ConfigValue) Duration() time.Duration {
	return time.Duration(cv.Int()) * time.Millisecond
}

// String assumes config value is a string and returns the same.
func (cv ConfigValue) String() string {
	return cv.Value.(string)
}

// Bool assumes config value is a boolean and returns the same.
func (cv ConfigValue) Bool() bool {
	if val, ok := cv.Value.(bool); ok {
		return val
	}
	panic(fmt.Errorf("config value %v not a boolean", cv.Value))
}
