package config

import (
	"encoding/json"
	"os"

	"github.com/go-playground/errors"
	"gopkg.in/yaml.v2"
)

func ReadConfigYAML(path string) (Config, error) {
	var c Config

	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config file")
	}

	if err = yaml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "parse yaml config %q", path)
	}

	return c, nil
}

func ReadConfigJSON(path string) (Config, error) {
	var c Config

	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config file")
	}

	if err = json.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "parse json config %q", path)
	}

	return c, nil
}
