package nav

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" validate:"omitempty,url"`
	ClientID      string `yaml:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	TopicPrefix   string `yaml:"topicPrefix,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty"`
}

// RouteConfig says where the route comes from and how it is simplified.
type RouteConfig struct {
	Path      string  `yaml:"path,omitempty" validate:"required_without=URL"`
	URL       string  `yaml:"url,omitempty" validate:"omitempty,url"`
	PathWidth float64 `yaml:"pathWidth" validate:"gt=0"`
	Reverse   bool    `yaml:"reverse,omitempty"`
	Watch     bool    `yaml:"watch,omitempty"`
}

// NavigationConfig holds keypoint check-off settings.
type NavigationConfig struct {
	ArrivalRadius float64 `yaml:"arrivalRadius" validate:"gt=0"`
}

// HTTPConfig holds the diagnostics server settings.
type HTTPConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// Config is the service configuration.
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Route      RouteConfig      `yaml:"route"`
	Alignment  FilterConfig     `yaml:"alignment"`
	Navigation NavigationConfig `yaml:"navigation"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// DefaultConfig returns a configuration with every optional field populated.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			ClientID:      "crumbnav",
			TopicPrefix:   "crumbnav",
			PublishPrefix: "crumbnav/out",
		},
		Route: RouteConfig{
			PathWidth: DefaultPathWidth,
		},
		Alignment:  DefaultFilterConfig(),
		Navigation: NavigationConfig{ArrivalRadius: DefaultArrivalRadius},
		HTTP:       HTTPConfig{Port: 8080},
	}
}

// NavigatorOptions returns the navigator settings from the configuration.
func (c *Config) NavigatorOptions() NavigatorOptions {
	return NavigatorOptions{
		PathWidth:     c.Route.PathWidth,
		ArrivalRadius: c.Navigation.ArrivalRadius,
	}
}

var validate = newValidator()

// newValidator reports field errors by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseConfig decodes YAML over the defaults, applies environment and caller overrides,
// and validates the result.
func ParseConfig(data []byte, overrides ...func(*Config)) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyEnv(config)
	for _, override := range overrides {
		override(config)
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig loads the configuration from a YAML file. Overrides run after
// environment variables and before validation.
func LoadConfig(path string, overrides ...func(*Config)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, overrides...)
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ValidateConfig checks struct constraints and reports them with YAML-style paths
// such as "mqtt.broker is required".
func ValidateConfig(config *Config) error {
	err := validate.Struct(config)
	if err == nil {
		if config.Alignment.MinConsistent > config.Alignment.WindowSize {
			return fmt.Errorf("alignment.minConsistent (%d) must not exceed alignment.windowSize (%d)",
				config.Alignment.MinConsistent, config.Alignment.WindowSize)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	path := yamlPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "required_without":
		return path + " is required when " + strings.ToLower(fe.Param()) + " is not set"
	case "url":
		return path + " must be a URL"
	default:
		return fmt.Sprintf("%s must satisfy %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
	}
}

// yamlPath drops the root type from "Config.mqtt.broker".
func yamlPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func applyEnv(config *Config) {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		config.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		config.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		config.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		config.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		config.MQTT.PublishPrefix = v
	}
}
