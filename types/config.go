package types

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine backends.
const (
	BackendNative = "native"
	BackendWasm   = "wasm"
)

// Shapes of the ice-update slot payload.
const (
	IceFormSingle = "single"
	IceFormList   = "list"
)

// Peek store backends, named after the cometbft-db backend types.
const (
	StoreMemDB     = "memdb"
	StoreGoLevelDB = "goleveldb"
)

// Config defines the configuration of a Bridge.
type Config struct {
	Engine   EngineOptions  `json:"engine" yaml:"engine"`
	Data     DataOptions    `json:"data" yaml:"data"`
	Timeouts TimeoutOptions `json:"timeouts" yaml:"timeouts"`
	HTTP     HTTPOptions    `json:"http" yaml:"http"`
	Video    VideoOptions   `json:"video" yaml:"video"`
	Codec    CodecOptions   `json:"codec" yaml:"codec"`
}

type EngineOptions struct {
	Backend     string `json:"backend" yaml:"backend"`
	LibraryPath string `json:"library_path,omitempty" yaml:"library_path"`
	WasmPath    string `json:"wasm_path,omitempty" yaml:"wasm_path"`
	InitMessage string `json:"init_message" yaml:"init_message"`
	IceForm     string `json:"ice_form" yaml:"ice_form"`
	// WasmMemoryLimit caps the linear memory of a wasm engine. Zero means
	// no limit beyond the wasm32 address space.
	WasmMemoryLimit Size `json:"wasm_memory_limit" yaml:"wasm_memory_limit"`
}

type DataOptions struct {
	// BaseDir holds the exclusive lock and the persistent peek store.
	// Leave empty to run without either.
	BaseDir string `json:"base_dir" yaml:"base_dir"`
	Backend string `json:"backend" yaml:"backend"`
}

type TimeoutOptions struct {
	CallLink time.Duration `json:"call_link" yaml:"call_link"`
}

type HTTPOptions struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type VideoOptions struct {
	FrameCapacity Size `json:"frame_capacity" yaml:"frame_capacity"`
}

type CodecOptions struct {
	MaxBuffer Size `json:"max_buffer" yaml:"max_buffer"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Engine: EngineOptions{
			Backend:     BackendNative,
			LibraryPath: DefaultLibraryName(),
			InitMessage: "Hello from Go",
			IceForm:     IceFormSingle,
		},
		Data: DataOptions{
			Backend: StoreMemDB,
		},
		Timeouts: TimeoutOptions{
			CallLink: 2 * time.Second,
		},
		HTTP: HTTPOptions{
			Timeout: 30 * time.Second,
		},
		Video: VideoOptions{
			FrameCapacity: NewSizeMega(5),
		},
		Codec: CodecOptions{
			MaxBuffer: NewSizeMebi(64),
		},
	}
}

// DefaultLibraryName is the file name of the engine library on this platform.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libtring.dylib"
	case "windows":
		return "tring.dll"
	default:
		return "libtring.so"
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	bz, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(bz, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated fields.
func (c Config) Validate() error {
	switch c.Engine.Backend {
	case BackendNative, BackendWasm:
	default:
		return fmt.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	if c.Engine.Backend == BackendWasm && c.Engine.WasmPath == "" {
		return fmt.Errorf("engine backend %s needs a wasm_path", BackendWasm)
	}
	switch c.Engine.IceForm {
	case IceFormSingle, IceFormList:
	default:
		return fmt.Errorf("unknown ice form %q", c.Engine.IceForm)
	}
	switch c.Data.Backend {
	case StoreMemDB, StoreGoLevelDB:
	default:
		return fmt.Errorf("unknown data backend %q", c.Data.Backend)
	}
	if c.Data.Backend == StoreGoLevelDB && c.Data.BaseDir == "" {
		return fmt.Errorf("data backend %s needs a base_dir", StoreGoLevelDB)
	}
	if c.Timeouts.CallLink <= 0 {
		return fmt.Errorf("call_link timeout must be positive")
	}
	if c.Video.FrameCapacity.Bytes() == 0 {
		return fmt.Errorf("frame_capacity must not be zero")
	}
	return nil
}

type Size struct{ uint32 }

func (s Size) Bytes() uint32 { return s.uint32 }

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.uint32)
}

func (s *Size) UnmarshalJSON(bz []byte) error {
	return json.Unmarshal(bz, &s.uint32)
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	return value.Decode(&s.uint32)
}

func NewSize(v uint32) Size {
	return Size{v}
}

func NewSizeKilo(v uint32) Size {
	return Size{v * 1000}
}

func NewSizeKibi(v uint32) Size {
	return Size{v * 1024}
}

func NewSizeMega(v uint32) Size {
	return Size{v * 1000 * 1000}
}

func NewSizeMebi(v uint32) Size {
	return Size{v * 1024 * 1024}
}
