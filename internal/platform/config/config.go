package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxCameras is the number of CAMERA_n_* slots read by Cameras.
const MaxCameras = 4

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns true only when the variable is set to a value strconv.ParseBool
// accepts as true. Unset, empty, or unparsable values yield fallback.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration reads a duration. A bare integer is taken as milliseconds
// (MULTI_CAMERA_DELAY=2000), anything else goes through time.ParseDuration
// (STREAM_TIMEOUT=5m). Invalid or negative values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(s); err == nil {
		if ms < 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty items. Unset or
// empty variables yield fallback.
func GetEnvList(key string, fallback []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Camera is one CAMERA_n_* slot from the environment.
type Camera struct {
	Index int
	ID    string
	Name  string
	URL   string
}

// Cameras returns the configured cameras in slot order. A slot needs both
// CAMERA_n_URL and CAMERA_n_ID; the name defaults to "Camera n".
func Cameras() []Camera {
	var cams []Camera
	for i := 1; i <= MaxCameras; i++ {
		url := os.Getenv(fmt.Sprintf("CAMERA_%d_URL", i))
		id := os.Getenv(fmt.Sprintf("CAMERA_%d_ID", i))
		if url == "" || id == "" {
			continue
		}
		name := GetEnv(fmt.Sprintf("CAMERA_%d_NAME", i), fmt.Sprintf("Camera %d", i))
		cams = append(cams, Camera{Index: i, ID: id, Name: name, URL: url})
	}
	return cams
}
