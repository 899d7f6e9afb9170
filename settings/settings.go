// Package settings persists the GUI-facing configuration blob: engine
// dimensions, controller target, and the recent-router history.
package settings

import (
	"os"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxHistory bounds the recent-router list.
const MaxHistory = 10

// HistoryEntry identifies one previously used router.
type HistoryEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Settings is the single persisted blob.
type Settings struct {
	Protocol string `json:"protocol"`
	Inputs   int    `json:"inputs"`
	Outputs  int    `json:"outputs"`
	Levels   int    `json:"levels"`
	Port     int    `json:"port"`

	ModelName    string `json:"model_name"`
	FriendlyName string `json:"friendly_name"`

	AutoStart bool `json:"auto_start"`

	ControllerHost string `json:"controller_host"`
	ControllerPort int    `json:"controller_port"`
	AutoReconnect  bool   `json:"auto_reconnect"`

	RouterHistory []HistoryEntry `json:"router_history"`
}

// Default returns the settings of a fresh install: a 12x12 single-level
// VideoHub.
func Default() Settings {
	return Settings{
		Protocol:      "videohub",
		Inputs:        12,
		Outputs:       12,
		Levels:        1,
		Port:          9990,
		ModelName:     "Crossbar Router",
		FriendlyName:  "Crossbar Router",
		AutoStart:     true,
		AutoReconnect: true,
	}
}

// Load reads the blob, falling back to defaults when the file is absent.
// Unknown keys are preserved on the next Save only insofar as they match
// the schema; the blob is small enough not to merit migrations.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}

		return Default(), err
	}

	return Parse(data), nil
}

// Parse decodes a settings blob, substituting defaults for absent keys.
func Parse(data []byte) Settings {
	s := Default()
	body := string(data)

	if v := gjson.Get(body, "protocol"); v.Exists() {
		s.Protocol = v.String()
	}
	if v := gjson.Get(body, "inputs"); v.Exists() {
		s.Inputs = int(v.Int())
	}
	if v := gjson.Get(body, "outputs"); v.Exists() {
		s.Outputs = int(v.Int())
	}
	if v := gjson.Get(body, "levels"); v.Exists() {
		s.Levels = int(v.Int())
	}
	if v := gjson.Get(body, "port"); v.Exists() {
		s.Port = int(v.Int())
	}
	if v := gjson.Get(body, "model_name"); v.Exists() {
		s.ModelName = v.String()
	}
	if v := gjson.Get(body, "friendly_name"); v.Exists() {
		s.FriendlyName = v.String()
	}
	if v := gjson.Get(body, "auto_start"); v.Exists() {
		s.AutoStart = v.Bool()
	}
	if v := gjson.Get(body, "controller_host"); v.Exists() {
		s.ControllerHost = v.String()
	}
	if v := gjson.Get(body, "controller_port"); v.Exists() {
		s.ControllerPort = int(v.Int())
	}
	if v := gjson.Get(body, "auto_reconnect"); v.Exists() {
		s.AutoReconnect = v.Bool()
	}

	gjson.Get(body, "router_history").ForEach(func(_, entry gjson.Result) bool {
		s.RouterHistory = append(s.RouterHistory, HistoryEntry{
			Host:     entry.Get("host").String(),
			Port:     int(entry.Get("port").Int()),
			Protocol: entry.Get("protocol").String(),
		})

		return len(s.RouterHistory) < MaxHistory
	})

	return s
}

// Marshal renders the blob.
func (s Settings) Marshal() ([]byte, error) {
	body := "{}"

	var err error

	set := func(key string, value interface{}) {
		if err != nil {
			return
		}

		body, err = sjson.Set(body, key, value)
	}

	set("protocol", s.Protocol)
	set("inputs", s.Inputs)
	set("outputs", s.Outputs)
	set("levels", s.Levels)
	set("port", s.Port)
	set("model_name", s.ModelName)
	set("friendly_name", s.FriendlyName)
	set("auto_start", s.AutoStart)
	set("controller_host", s.ControllerHost)
	set("controller_port", s.ControllerPort)
	set("auto_reconnect", s.AutoReconnect)

	for i, entry := range s.RouterHistory {
		if i >= MaxHistory {
			break
		}

		prefix := "router_history." + strconv.Itoa(i)
		set(prefix+".host", entry.Host)
		set(prefix+".port", entry.Port)
		set(prefix+".protocol", entry.Protocol)
	}

	if err != nil {
		return nil, err
	}

	if len(s.RouterHistory) == 0 {
		body, err = sjson.SetRaw(body, "router_history", "[]")
		if err != nil {
			return nil, err
		}
	}

	return []byte(body), nil
}

// Save writes the blob atomically enough for a settings file: write then
// rename would be overkill for a single small document.
func (s Settings) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Touch promotes (host, port, protocol) to the front of the history,
// deduplicating by the full triple and capping the list.
func (s *Settings) Touch(host string, port int, protocol string) {
	entry := HistoryEntry{Host: host, Port: port, Protocol: protocol}

	history := make([]HistoryEntry, 0, len(s.RouterHistory)+1)
	history = append(history, entry)

	for _, old := range s.RouterHistory {
		if old == entry {
			continue
		}

		history = append(history, old)

		if len(history) == MaxHistory {
			break
		}
	}

	s.RouterHistory = history
}
