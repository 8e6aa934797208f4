package config

import (
	"os"
	"strconv"
)

// Config is the worker agent's configuration: identity and transport
// target from CLI flags (spec.md §6), everything else (artifact
// archival, image pins) from environment variables the operator sets
// once per host.
type Config struct {
	AccountID      string
	Secret         string
	CoordinatorIP  string
	StreamPort     int
	WorkerID       string
	CPUCores       int
	MemoryMB       int
	AcceleratorN   int
	MaxConcurrent  int
	Languages      []string
	ArtifactRoot   string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// DefaultLanguageImages maps a job's language tag to a pinned container
// image, overridable per-tag via GRIDX_IMAGE_<LANGUAGE>.
var DefaultLanguageImages = map[string]string{
	"python":     "python:3.11-slim",
	"javascript": "node:20-slim",
	"node":       "node:20-slim",
	"bash":       "ubuntu:22.04",
}

func ImageForLanguage(language string) string {
	if override := os.Getenv("GRIDX_IMAGE_" + language); override != "" {
		return override
	}
	if img, ok := DefaultLanguageImages[language]; ok {
		return img
	}
	return DefaultLanguageImages["bash"]
}

func FromEnvAndFlags(accountID, secret, coordinatorIP string, streamPort int) Config {
	return Config{
		AccountID:      accountID,
		Secret:         secret,
		CoordinatorIP:  coordinatorIP,
		StreamPort:     streamPort,
		CPUCores:       getenvInt("GRIDX_WORKER_CPU_CORES", 2),
		MemoryMB:       getenvInt("GRIDX_WORKER_MEMORY_MB", 2048),
		AcceleratorN:   getenvInt("GRIDX_WORKER_ACCELERATOR_COUNT", 0),
		MaxConcurrent:  getenvInt("GRIDX_WORKER_MAX_CONCURRENT", 1),
		Languages:      splitCSV(getenv("GRIDX_WORKER_LANGUAGES", "python,javascript,node,bash")),
		ArtifactRoot:   getenv("GRIDX_ARTIFACT_ROOT", "/tmp/gridx-worker"),
		MinIOEndpoint:  getenv("GRIDX_MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("GRIDX_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("GRIDX_MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("GRIDX_MINIO_BUCKET", "gridx-artifacts"),
		MinIOUseSSL:    getenvBool("GRIDX_MINIO_USE_SSL", false),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func splitCSV(v string) []string {
	out := make([]string, 0, 4)
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
