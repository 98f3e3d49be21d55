package datasite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PublicToken grants access to every identity when it appears in a rule's
// principal list.
const PublicToken = "*"

// Access lists the principals for each permission level of a rule.
type Access struct {
	Admin []string `yaml:"admin"`
	Read  []string `yaml:"read"`
	Write []string `yaml:"write"`
}

// Rule grants access to files matching a glob pattern within the directory
// that carries the descriptor.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Access  Access `yaml:"access"`
}

// Descriptor is the syft.pub.yaml permission file governing one shared
// directory. The sync layer replicates a file to a peer only when a rule
// grants that peer read access.
type Descriptor struct {
	Rules []Rule `yaml:"rules"`
}

// NewDescriptor grants the owner admin, the given identities read, and
// nobody write, for every file in the directory.
func NewDescriptor(owner string, readers []string) Descriptor {
	return Descriptor{
		Rules: []Rule{
			{
				Pattern: "**",
				Access: Access{
					Admin: []string{owner},
					Read:  readers,
					Write: []string{},
				},
			},
		},
	}
}

// CanRead reports whether identity may read files matching name.
func (d Descriptor) CanRead(identity, name string) bool {
	for _, rule := range d.Rules {
		if !matchPattern(rule.Pattern, name) {
			continue
		}

		if containsIdentity(rule.Access.Admin, identity) || containsIdentity(rule.Access.Read, identity) {
			return true
		}
	}

	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == "**" {
		return true
	}

	ok, err := filepath.Match(pattern, name)

	return err == nil && ok
}

func containsIdentity(principals []string, identity string) bool {
	for _, principal := range principals {
		if principal == PublicToken || strings.EqualFold(principal, identity) {
			return true
		}
	}

	return false
}

// WriteDescriptor rewrites the descriptor for dir in full, replacing any
// previous version.
func WriteDescriptor(dir string, descriptor Descriptor) error {
	body, err := yaml.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("failed to encode permission descriptor: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, DescriptorName), body, 0o644)
}

// ReadDescriptor loads the descriptor governing dir, if any.
func ReadDescriptor(dir string) (Descriptor, error) {
	var descriptor Descriptor

	body, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return descriptor, err
	}

	if err := yaml.Unmarshal(body, &descriptor); err != nil {
		return descriptor, fmt.Errorf("failed to decode permission descriptor: %w", err)
	}

	return descriptor, nil
}
