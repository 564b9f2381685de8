package machine

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Machine はインベントリ上の1台です。
type Machine struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	KeyFile        string `yaml:"keyFile"`
	KnownHostsFile string `yaml:"knownHostsFile"`
	Insecure       bool   `yaml:"insecure"`
	OS             string `yaml:"os"`
	Local          bool   `yaml:"local"`
	// LogDir はジョブ制御サービスのログディレクトリです。
	LogDir string `yaml:"logDir"`
}

// Platform はマシンのプラットフォームを返します。
func (m Machine) Platform() Platform { return ParsePlatform(m.OS) }

// Inventory は名前でマシンを引ける一覧です。
type Inventory struct {
	mu       sync.Mutex
	machines map[string]Machine
	execs    map[string]Executor
}

type inventoryFile struct {
	Machines []Machine `yaml:"machines"`
}

// LoadInventory は YAML ファイルからインベントリを読み込みます。
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory は YAML からインベントリを作成します。
func ParseInventory(data []byte) (*Inventory, error) {
	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	inv := NewInventory()
	for _, m := range file.Machines {
		if err := inv.Add(m); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// NewInventory は空のインベントリを作成します。
func NewInventory() *Inventory {
	return &Inventory{machines: map[string]Machine{}, execs: map[string]Executor{}}
}

// Add はマシンを登録します。
func (inv *Inventory) Add(m Machine) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if m.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if !m.Local && m.Host == "" {
		return fmt.Errorf("machine %s: host is required", m.Name)
	}
	if _, dup := inv.machines[m.Name]; dup {
		return fmt.Errorf("machine %s is defined twice", m.Name)
	}
	inv.machines[m.Name] = m
	return nil
}

// Bind はマシンに実行器を直接割り当てます。
func (inv *Inventory) Bind(name string, exec Executor) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.execs[name] = exec
}

// Machine は名前でマシン定義を返します。
func (inv *Inventory) Machine(name string) (Machine, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	m, ok := inv.machines[name]
	return m, ok
}

// Names は登録済みのマシン名を昇順で返します。
func (inv *Inventory) Names() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	names := make([]string, 0, len(inv.machines))
	for name := range inv.machines {
		names = append(names, name)
	}
	for name := range inv.execs {
		if _, ok := inv.machines[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Executor はマシンの実行器を返します。初回に作成してキャッシュします。
func (inv *Inventory) Executor(name string) (Executor, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if exec, ok := inv.execs[name]; ok {
		return exec, nil
	}
	m, ok := inv.machines[name]
	if !ok {
		return nil, fmt.Errorf("machine %s is not in the inventory", name)
	}
	var exec Executor
	if m.Local {
		exec = NewLocalExecutor()
	} else {
		sshExec, err := NewSSHExecutor(SSHConfig{
			Host:           m.Host,
			Port:           m.Port,
			User:           m.User,
			Password:       os.ExpandEnv(m.Password),
			KeyFile:        m.KeyFile,
			KnownHostsFile: m.KnownHostsFile,
			Insecure:       m.Insecure,
			Timeout:        30 * time.Second,
		}, m.Platform())
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", name, err)
		}
		exec = sshExec
	}
	inv.execs[name] = exec
	return exec, nil
}
