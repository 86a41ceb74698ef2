package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// ErrEmptyProvisioning is returned for a provisioning frame that sets no
// field. The console leaves out empty fields, so any subset is valid.
var ErrEmptyProvisioning = errors.New("sink: provisioning sets no field")

// Provisioning is the network configuration the web console sends.
type Provisioning struct {
	SSIDPrimary   string `yaml:"ssid_primary,omitempty"`
	PassPrimary   string `yaml:"pass_primary,omitempty"`
	SSIDSecondary string `yaml:"ssid_secondary,omitempty"`
	PassSecondary string `yaml:"pass_secondary,omitempty"`
	DeviceTag     string `yaml:"device_tag_value,omitempty"`
}

// fields maps the console's JSON keys to the struct.
func (p *Provisioning) fields() map[string]*string {
	return map[string]*string{
		"ssid_primary":     &p.SSIDPrimary,
		"pass_primary":     &p.PassPrimary,
		"ssid_secondary":   &p.SSIDSecondary,
		"pass_secondary":   &p.PassSecondary,
		"device_tag_value": &p.DeviceTag,
	}
}

// ParseProvisioning decodes one frame. Unknown keys are ignored; known keys
// must hold strings, and at least one of them must be non-empty.
func ParseProvisioning(frame []byte) (Provisioning, error) {
	rec, err := protocol.JSONCodec{}.Decode(frame)
	if err != nil {
		return Provisioning{}, fmt.Errorf("sink: decode provisioning: %w", err)
	}

	var p Provisioning
	for key, dst := range p.fields() {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return Provisioning{}, fmt.Errorf("sink: provisioning field %s is %T, want string", key, v)
		}
		*dst = str
	}
	if p.IsZero() {
		return Provisioning{}, ErrEmptyProvisioning
	}
	return p, nil
}

// IsZero reports whether no field is set.
func (p Provisioning) IsZero() bool {
	return p == Provisioning{}
}

// Merge returns p with every non-empty field of update applied.
func (p Provisioning) Merge(update Provisioning) Provisioning {
	src := update.fields()
	for key, dst := range p.fields() {
		if v := *src[key]; v != "" {
			*dst = v
		}
	}
	return p
}

// LogValue hides the passwords.
func (p Provisioning) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("ssid_primary", p.SSIDPrimary),
		slog.String("pass_primary", redact(p.PassPrimary)),
		slog.String("ssid_secondary", p.SSIDSecondary),
		slog.String("pass_secondary", redact(p.PassSecondary)),
		slog.String("device_tag", p.DeviceTag),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// ApplyFunc receives each decoded provisioning frame.
type ApplyFunc func(conn ble.ConnHandle, p Provisioning) error

// Provisioner reassembles newline-terminated JSON frames per connection and
// hands each decoded Provisioning to an ApplyFunc.
type Provisioner struct {
	apply    ApplyFunc
	maxFrame int

	mu     sync.Mutex
	frames map[ble.ConnHandle]*protocol.Assembler
}

var _ Observer = (*Provisioner)(nil)

// NewProvisioner creates a Provisioner. maxFrame <= 0 selects
// protocol.MaxFrameBytes. Panics if apply is nil (programmer error).
func NewProvisioner(maxFrame int, apply ApplyFunc) *Provisioner {
	if apply == nil {
		panic("sink: NewProvisioner called with nil apply")
	}
	return &Provisioner{
		apply:    apply,
		maxFrame: maxFrame,
		frames:   make(map[ble.ConnHandle]*protocol.Assembler),
	}
}

// HandleWrite feeds value into the connection's assembler and applies every
// completed frame. Frames that fail to decode are logged and dropped.
func (p *Provisioner) HandleWrite(conn ble.ConnHandle, value []byte) {
	p.mu.Lock()
	a, ok := p.frames[conn]
	if !ok {
		a = protocol.NewAssembler(p.maxFrame)
		p.frames[conn] = a
	}
	frames, err := a.Feed(value)
	p.mu.Unlock()

	if err != nil {
		slog.Warn("[SINK] provisioning frame dropped", "conn", conn, "error", err)
	}
	for _, frame := range frames {
		prov, err := ParseProvisioning(frame)
		if err != nil {
			slog.Warn("[SINK] invalid provisioning frame", "conn", conn, "error", err)
			continue
		}
		slog.Info("[SINK] provisioning received", "conn", conn, "provisioning", prov)
		if err := p.apply(conn, prov); err != nil {
			slog.Error("[SINK] applying provisioning failed", "conn", conn, "error", err)
		}
	}
}

// HandleDisconnect discards the connection's partial frame.
func (p *Provisioner) HandleDisconnect(conn ble.ConnHandle) {
	p.mu.Lock()
	a, ok := p.frames[conn]
	delete(p.frames, conn)
	p.mu.Unlock()

	if ok && a.Pending() > 0 {
		slog.Debug("[SINK] partial provisioning frame discarded", "conn", conn, "bytes", a.Pending())
	}
}

// SaveProvisioning writes p as YAML to path, readable by the owner only.
func SaveProvisioning(path string, p Provisioning) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("sink: encode provisioning: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("sink: creating provisioning dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("sink: writing provisioning: %w", err)
	}
	return nil
}

// UpdateProvisioning merges update into the provisioning stored at path,
// saves the result and returns it. A missing file counts as empty.
func UpdateProvisioning(path string, update Provisioning) (Provisioning, error) {
	current, err := LoadProvisioning(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Provisioning{}, err
	}
	merged := current.Merge(update)
	if err := SaveProvisioning(path, merged); err != nil {
		return Provisioning{}, err
	}
	return merged, nil
}

// LoadProvisioning reads a file written by SaveProvisioning.
func LoadProvisioning(path string) (Provisioning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Provisioning{}, fmt.Errorf("sink: reading provisioning: %w", err)
	}
	var p Provisioning
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Provisioning{}, fmt.Errorf("sink: parsing provisioning: %w", err)
	}
	return p, nil
}
