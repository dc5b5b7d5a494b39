package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidHostPort = errors.New("invalid port specified in VLM_HOST")

type VLMHost struct {
	Scheme string
	Host   string
	Port   string
}

func (h VLMHost) String() string {
	return fmt.Sprintf("%s://%s", h.Scheme, net.JoinHostPort(h.Host, h.Port))
}

var (
	// Set via VLM_ORIGINS in the environment
	AllowOrigins []string
	// Set via VLM_DEBUG in the environment
	Debug bool
	// Set via VLM_HOST in the environment
	Host *VLMHost
	// Set via VLM_MODELS in the environment
	ModelsDir string
	// Set via VLM_TMPDIR in the environment
	TmpDir string
	// Set via VLM_VIDEO_FPS in the environment
	VideoFPS float64
	// Set via VLM_VIDEO_MAX_FRAMES in the environment
	VideoMaxFrames int
	// Set via VLM_VIDEO_TIMEOUT in the environment
	VideoTimeout time.Duration
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VLM_DEBUG":            {"VLM_DEBUG", Debug, "Show additional debug information (e.g. VLM_DEBUG=1)"},
		"VLM_HOST":             {"VLM_HOST", Host, "IP Address for the vlm server (default 127.0.0.1:11435)"},
		"VLM_MODELS":           {"VLM_MODELS", ModelsDir, "The path to the models directory"},
		"VLM_ORIGINS":          {"VLM_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"VLM_TMPDIR":           {"VLM_TMPDIR", TmpDir, "Location for temporary files"},
		"VLM_VIDEO_FPS":        {"VLM_VIDEO_FPS", VideoFPS, "Frames sampled per second of video (default 2)"},
		"VLM_VIDEO_MAX_FRAMES": {"VLM_VIDEO_MAX_FRAMES", VideoMaxFrames, "Maximum number of frames sampled per video (default 0 = unlimited)"},
		"VLM_VIDEO_TIMEOUT":    {"VLM_VIDEO_TIMEOUT", VideoTimeout, "How long frame extraction may run per video (default \"60s\")"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the slog level matching VLM_DEBUG. A value of 2 enables
// trace logging.
func LogLevel() slog.Level {
	if clean("VLM_DEBUG") == "2" {
		return slog.LevelDebug - 4
	}
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("VLM_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	TmpDir = clean("VLM_TMPDIR")

	ModelsDir = clean("VLM_MODELS")
	if ModelsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
		}
		ModelsDir = filepath.Join(home, "huggingface", "models")
	}

	AllowOrigins = nil
	if origins := clean("VLM_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}

	VideoFPS = 2
	if fps := clean("VLM_VIDEO_FPS"); fps != "" {
		f, err := strconv.ParseFloat(fps, 64)
		if err != nil || f <= 0 {
			slog.Error("invalid setting must be greater than zero", "VLM_VIDEO_FPS", fps, "error", err)
		} else {
			VideoFPS = f
		}
	}

	VideoMaxFrames = 0
	if frames := clean("VLM_VIDEO_MAX_FRAMES"); frames != "" {
		n, err := strconv.Atoi(frames)
		if err != nil || n < 0 {
			slog.Error("invalid setting", "VLM_VIDEO_MAX_FRAMES", frames, "error", err)
		} else {
			VideoMaxFrames = n
		}
	}

	VideoTimeout = 60 * time.Second
	if timeout := clean("VLM_VIDEO_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			VideoTimeout = d
		} else if n, err := strconv.Atoi(timeout); err == nil {
			VideoTimeout = time.Duration(n) * time.Second
		} else {
			slog.Error("invalid setting", "VLM_VIDEO_TIMEOUT", timeout, "error", err)
		}
	}

	var err error
	Host, err = GetHost()
	if err != nil {
		slog.Error("invalid setting", "VLM_HOST", clean("VLM_HOST"), "error", err, "using default port", Host.Port)
	}
}

// GetHost parses VLM_HOST. On an invalid port it returns the default port
// together with ErrInvalidHostPort.
func GetHost() (*VLMHost, error) {
	defaultPort := "11435"

	hostVar := strings.TrimSpace(clean("VLM_HOST"))
	scheme, hostport, ok := strings.Cut(hostVar, "://")
	switch {
	case !ok:
		scheme, hostport = "http", hostVar
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	// trim trailing slashes
	hostport = strings.TrimRight(hostport, "/")

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if portNum, err := strconv.ParseInt(port, 10, 32); err != nil || portNum > 65535 || portNum < 0 {
		return &VLMHost{
			Scheme: scheme,
			Host:   host,
			Port:   defaultPort,
		}, ErrInvalidHostPort
	}

	return &VLMHost{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}, nil
}
