// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wireguard

import (
	"fmt"
	"strings"
)

// Field is one key/value line in a config section. Order is preserved so
// a parse/serialize round trip is stable.
type Field struct {
	Key   string
	Value string
}

// Section is one INI-style block of a WireGuard config
type Section struct {
	Fields []Field
}

// Get returns the value for key, or empty string if absent
func (s *Section) Get(key string) string {
	for _, field := range s.Fields {
		if field.Key == key {
			return field.Value
		}
	}
	return ""
}

// Set replaces the value for key in place, appending when absent
func (s *Section) Set(key string, value string) {
	for i, field := range s.Fields {
		if field.Key == key {
			s.Fields[i].Value = value
			return
		}
	}
	s.Fields = append(s.Fields, Field{Key: key, Value: value})
}

// Config is a parsed WireGuard config file: one [Interface] section and
// zero or more [Peer] sections
type Config struct {
	Interface Section
	Peers     []Section
}

// ParseConfig parses WireGuard INI text. Comments and blank lines are
// dropped; whitespace around keys and values is not significant.
func ParseConfig(text string) (*Config, error) {
	ret := &Config{}
	var current *Section
	sawInterface := false
	for lineNum, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf(
					"line %d: malformed section header: %q",
					lineNum+1,
					line,
				)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			switch name {
			case "Interface":
				if sawInterface {
					return nil, fmt.Errorf(
						"line %d: duplicate [Interface] section",
						lineNum+1,
					)
				}
				sawInterface = true
				current = &ret.Interface
			case "Peer":
				ret.Peers = append(ret.Peers, Section{})
				current = &ret.Peers[len(ret.Peers)-1]
			default:
				return nil, fmt.Errorf(
					"line %d: unknown section %q",
					lineNum+1,
					name,
				)
			}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf(
				"line %d: key/value outside any section: %q",
				lineNum+1,
				line,
			)
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf(
				"line %d: expected key = value, got %q",
				lineNum+1,
				line,
			)
		}
		current.Fields = append(current.Fields, Field{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}
	if !sawInterface {
		return nil, fmt.Errorf("missing [Interface] section")
	}
	return ret, nil
}

// String serializes the config in canonical form
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	for _, field := range c.Interface.Fields {
		sb.WriteString(field.Key)
		sb.WriteString(" = ")
		sb.WriteString(field.Value)
		sb.WriteString("\n")
	}
	for i := range c.Peers {
		sb.WriteString("\n[Peer]\n")
		for _, field := range c.Peers[i].Fields {
			sb.WriteString(field.Key)
			sb.WriteString(" = ")
			sb.WriteString(field.Value)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// clientAddress extracts the client's bare IP from the [Interface]
// Address value, which may carry a mask and additional addresses
func (c *Config) clientAddress() (string, error) {
	addr := c.Interface.Get("Address")
	if addr == "" {
		return "", fmt.Errorf("config has no Address field")
	}
	first := strings.TrimSpace(strings.Split(addr, ",")[0])
	ip, _, _ := strings.Cut(first, "/")
	if ip == "" {
		return "", fmt.Errorf("malformed Address value: %q", addr)
	}
	return ip, nil
}
