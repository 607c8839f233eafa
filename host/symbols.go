package host

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SymbolMap is the on-disk description of a host build: where its image is
// mapped and which functions the hook host knows about.
type SymbolMap struct {
	Version string        `yaml:"version"`
	Base    uint64        `yaml:"base"`
	Size    int           `yaml:"size"`
	Symbols []SymbolEntry `yaml:"symbols"`
	// Protected lists address ranges that must never be patched.
	Protected []ProtectedRange `yaml:"protected"`
}

// SymbolEntry is one function in a SymbolMap.
type SymbolEntry struct {
	Name       string   `yaml:"name"`
	Addr       uint64   `yaml:"addr"`
	Size       int      `yaml:"size"`
	Convention string   `yaml:"convention"`
	Params     []string `yaml:"params"`
	Result     string   `yaml:"result"`
	Prologue   string   `yaml:"prologue"` // hex, spaces allowed
}

type ProtectedRange struct {
	Addr uint64 `yaml:"addr"`
	Size int    `yaml:"size"`
}

// LoadSymbolMap reads a YAML symbol map.
func LoadSymbolMap(path string) (*SymbolMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host: read symbol map: %w", err)
	}
	return ParseSymbolMap(data)
}

// ParseSymbolMap decodes a YAML symbol map.
func ParseSymbolMap(data []byte) (*SymbolMap, error) {
	var m SymbolMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("host: parse symbol map: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("host: symbol map has no version")
	}
	if m.Size <= 0 {
		return nil, fmt.Errorf("host: symbol map has invalid size %d", m.Size)
	}
	return &m, nil
}

// Symbol converts the entry into a Symbol and its decoded prologue.
func (e SymbolEntry) Symbol() (Symbol, []byte, error) {
	conv, err := ParseCallConv(e.Convention)
	if err != nil {
		return Symbol{}, nil, err
	}
	prologue, err := hex.DecodeString(strings.ReplaceAll(e.Prologue, " ", ""))
	if err != nil {
		return Symbol{}, nil, fmt.Errorf("host: prologue of %s: %w", e.Name, err)
	}
	return Symbol{
		Name: e.Name,
		Addr: uintptr(e.Addr),
		Size: e.Size,
		Sig:  Signature{Conv: conv, Params: e.Params, Result: e.Result},
	}, prologue, nil
}

// NewDryRunImage builds an image from m whose function bodies only log the call
// and return neutral(symbol, args). It stands in for the server engine when the hook
// host runs without a native loader.
func NewDryRunImage(m *SymbolMap, neutral func(symbol string, args any) any, logger *zap.Logger) (*Image, error) {
	im := NewImage(m.Version, uintptr(m.Base), m.Size)
	for _, e := range m.Symbols {
		sym, prologue, err := e.Symbol()
		if err != nil {
			return nil, err
		}
		name := sym.Name
		body := func(_ context.Context, args any) any {
			logger.Debug("host call", zap.String("symbol", name), zap.Any("args", args))
			if neutral == nil {
				return nil
			}
			return neutral(name, args)
		}
		if err := im.Define(sym, prologue, body); err != nil {
			return nil, err
		}
	}
	for _, p := range m.Protected {
		im.Protect(uintptr(p.Addr), p.Size)
	}
	return im, nil
}
