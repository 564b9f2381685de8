package validate

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Expectation はジョブ終了後に確認する内容です。空の項目は確認しません。
type Expectation struct {
	// Status は許容する終端状態です。空なら成功集合を要求します。
	Status []string `yaml:"status" json:"status,omitempty"`
	// FailureReasons は遅延理由の各行が一致すべき正規表現です。
	FailureReasons []string   `yaml:"failureReasons" json:"failureReasons,omitempty"`
	Rows           []RowCheck  `yaml:"rows" json:"rows,omitempty"`
	Logs           []LogCheck  `yaml:"logs" json:"logs,omitempty"`
	Files          []FileCheck `yaml:"files" json:"files,omitempty"`
}

// RowCheck はクエリが返す行数を確認します。引数 "$jobid" はジョブIDに置き換えます。
type RowCheck struct {
	Name     string `yaml:"name" json:"name"`
	Query    string `yaml:"query" json:"query"`
	Args     []any  `yaml:"args" json:"args,omitempty"`
	Expected int    `yaml:"expected" json:"expected"`
}

// LogCheck はマシン上のログに一致行があることを確認します。
type LogCheck struct {
	Name    string `yaml:"name" json:"name"`
	Machine string `yaml:"machine" json:"machine"`
	File    string `yaml:"file" json:"file"`
	Pattern string `yaml:"pattern" json:"pattern"`
	// ScopeToJob はジョブIDを含む行に限定します。
	ScopeToJob bool `yaml:"scopeToJob" json:"scopeToJob"`
	MinMatches int  `yaml:"minMatches" json:"minMatches,omitempty"`
}

// FileCheck は復元先ツリーを確認します。Machine が空ならローカルのツリーです。
type FileCheck struct {
	Name        string `yaml:"name" json:"name"`
	Machine     string `yaml:"machine" json:"machine,omitempty"`
	Source      string `yaml:"source" json:"source,omitempty"`
	Destination string `yaml:"destination" json:"destination"`
	Count       *int   `yaml:"count" json:"count,omitempty"`
	Bytes       *int64 `yaml:"bytes" json:"bytes,omitempty"`
	Checksums   bool   `yaml:"checksums" json:"checksums"`
	MIME        bool   `yaml:"mime" json:"mime"`
}

// Plans は名前付きの期待値の集合です。
type Plans map[string]Expectation

// Names は計画名を昇順で返します。
func (p Plans) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get は名前で期待値を返します。
func (p Plans) Get(name string) (Expectation, error) {
	exp, ok := p[name]
	if !ok {
		return Expectation{}, fmt.Errorf("validation plan %q is not defined", name)
	}
	return exp, nil
}

type plansFile struct {
	Plans Plans `yaml:"plans"`
}

// LoadPlans は YAML ファイルから検証計画を読み込みます。
func LoadPlans(path string) (Plans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans は YAML から検証計画を作成します。
func ParsePlans(data []byte) (Plans, error) {
	var file plansFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}
	if file.Plans == nil {
		file.Plans = Plans{}
	}
	for name, exp := range file.Plans {
		for _, row := range exp.Rows {
			if row.Query == "" {
				return nil, fmt.Errorf("plan %s: row check %q has no query", name, row.Name)
			}
		}
		for _, lc := range exp.Logs {
			if lc.Machine == "" || lc.File == "" || lc.Pattern == "" {
				return nil, fmt.Errorf("plan %s: log check %q needs machine, file and pattern", name, lc.Name)
			}
		}
		for _, fc := range exp.Files {
			if fc.Destination == "" {
				return nil, fmt.Errorf("plan %s: file check %q has no destination", name, fc.Name)
			}
		}
	}
	return file.Plans, nil
}
