package config

import (
	"strings"

	"github.com/knadh/koanf/providers/env"
)

// envKeys maps the environment variables the gateway reads onto configuration keys.
var envKeys = map[string]string{
	"PORT":                "httpAddr",
	"LOG_LEVEL":           "logLevel",
	"LOG_FORMAT":          "logFormat",
	"HEALTH_PATH":         "healthPath",
	"READY_PATH":          "readyPath",
	"METRICS_PATH":        "metricsPath",
	"METRICS_ENABLED":     "metricsEnabled",
	"UPSTREAM_TIMEOUT_MS": "upstreamTimeoutMs",
	"MAX_BODY_BYTES":      "maxBodyBytes",
	"TRUST_PROXY":         "trustProxy",

	"AUTH_SERVICE_URL":      "services.auth",
	"IMAGE_SERVICE_URL":     "services.images",
	"INFERENCE_SERVICE_URL": "services.inference",
	"RESULTS_SERVICE_URL":   "services.results",
	"INTERFACE_SERVICE_URL": "services.interface",
	"CAPTURE_SERVICE_URL":   "services.capture",

	"RATE_LIMIT_WINDOW_MS":           "rateLimits.global.windowMs",
	"RATE_LIMIT_MAX":                 "rateLimits.global.max",
	"AUTH_RATE_LIMIT_WINDOW_MS":      "rateLimits.auth.windowMs",
	"AUTH_RATE_LIMIT_MAX":            "rateLimits.auth.max",
	"INFERENCE_RATE_LIMIT_WINDOW_MS": "rateLimits.inference.windowMs",
	"INFERENCE_RATE_LIMIT_MAX":       "rateLimits.inference.max",
	"CAPTURE_RATE_LIMIT_WINDOW_MS":   "rateLimits.capture.windowMs",
	"CAPTURE_RATE_LIMIT_MAX":         "rateLimits.capture.max",

	"CORS_ORIGIN":      "cors.origins",
	"CORS_CREDENTIALS": "cors.credentials",

	"REDIS_URL":          "logs.redisURL",
	"LOG_REDIS_KEY":      "logs.redisKey",
	"LOG_REDIS_CAPACITY": "logs.redisCapacity",
	"LOG_STORE_CAPACITY": "logs.capacity",
	"LOGS_PUBLIC":        "logs.public",

	"KAFKA_ADDR":  "kafka.addr",
	"KAFKA_TOPIC": "kafka.topic",
}

// envProvider overlays the variables in envKeys. Unknown and blank variables are skipped.
func envProvider() *env.Env {
	return env.ProviderWithValue("", ".", envValue)
}

func envValue(name, value string) (string, interface{}) {
	key, ok := envKeys[name]
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", nil
	}

	switch key {
	case "httpAddr":
		return key, ":" + value
	case "cors.origins":
		return key, splitList(value)
	}
	return key, value
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
