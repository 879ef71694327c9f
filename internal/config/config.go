package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Validator is implemented by configs that can check themselves after loading.
type Validator interface {
	Validate() error
}

// Load config from file into the config struct, config must be a pointer to the config struct.
// The current values of config act as defaults; the file overrides them and environment variables
// (keys upper-cased, "." replaced by "_") override the file. A ".env" file next to the config file
// is loaded into the environment first when it exists.
func Load(file string, config any) error {
	if err := loadDotEnv(filepath.Join(filepath.Dir(file), ".env")); err != nil {
		return err
	}

	v := viper.New()
	if err := setDefaults(v, "", config); err != nil {
		return err
	}

	v.SetConfigFile(file)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(config, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	if c, ok := config.(Validator); ok {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf of in under its dotted key. Environment variables only reach keys
// viper knows about, so nested fields missing from the file need a default to be overridable.
func setDefaults(v *viper.Viper, prefix string, in any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}

		switch reflect.Indirect(reflect.ValueOf(val)).Kind() {
		case reflect.Struct, reflect.Map:
			if err := setDefaults(v, key, val); err != nil {
				return err
			}
		default:
			v.SetDefault(key, val)
		}
	}

	return nil
}

func loadDotEnv(file string) error {
	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load env file %s: %v", file, err)
	}

	return nil
}
