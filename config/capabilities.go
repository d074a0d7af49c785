package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/caio-sobreiro/dicomrelay/pdu"
)

// capabilitiesFile is the YAML layout of a capabilities file:
//
//	accept_all_storage: false
//	sop_classes:
//	  CTImageStorage: 1.2.840.10008.5.1.4.1.1.2
//	transfer_syntaxes:
//	  ExplicitVRLittleEndian: 1.2.840.10008.1.2.1
//	  ImplicitVRLittleEndian: 1.2.840.10008.1.2
type capabilitiesFile struct {
	AcceptAllStorage *bool             `yaml:"accept_all_storage"`
	SOPClasses       map[string]string `yaml:"sop_classes"`
	TransferSyntaxes map[string]string `yaml:"transfer_syntaxes"`
}

// LoadCapabilities reads a capabilities file. An empty path yields pdu.DefaultCapabilities.
func LoadCapabilities(path string) (pdu.Capabilities, error) {
	if path == "" {
		return pdu.DefaultCapabilities(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pdu.Capabilities{}, fmt.Errorf("read capabilities file: %w", err)
	}
	caps, err := ParseCapabilities(data)
	if err != nil {
		return pdu.Capabilities{}, fmt.Errorf("%s: %w", path, err)
	}
	return caps, nil
}

// ParseCapabilities decodes a capabilities document.
//
// Verification is always accepted. Storage of every SOP class stays on
// unless accept_all_storage is false, and an empty transfer syntax map
// keeps the default little endian syntaxes.
func ParseCapabilities(data []byte) (pdu.Capabilities, error) {
	var file capabilitiesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return pdu.Capabilities{}, fmt.Errorf("decode capabilities: %w", err)
	}

	caps := pdu.DefaultCapabilities()
	if file.AcceptAllStorage != nil {
		caps.AcceptAllStorage = *file.AcceptAllStorage
	}

	sopClasses, err := uids("sop_classes", file.SOPClasses)
	if err != nil {
		return pdu.Capabilities{}, err
	}
	for _, uid := range sopClasses {
		if !slices.Contains(caps.AbstractSyntaxes, uid) {
			caps.AbstractSyntaxes = append(caps.AbstractSyntaxes, uid)
		}
	}

	transferSyntaxes, err := uids("transfer_syntaxes", file.TransferSyntaxes)
	if err != nil {
		return pdu.Capabilities{}, err
	}
	if len(transferSyntaxes) > 0 {
		caps.TransferSyntaxes = transferSyntaxes
	}

	if !caps.AcceptAllStorage && len(caps.AbstractSyntaxes) == 1 {
		return pdu.Capabilities{}, errors.New("no storage SOP classes accepted")
	}
	return caps, nil
}

// uids returns the values of a name to UID map ordered by name.
func uids(key string, named map[string]string) ([]string, error) {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		uid := strings.TrimSpace(named[name])
		if !validUID(uid) {
			return nil, fmt.Errorf("%s.%s: invalid UID %q", key, name, uid)
		}
		if !slices.Contains(out, uid) {
			out = append(out, uid)
		}
	}
	return out, nil
}

func validUID(uid string) bool {
	if uid == "" || len(uid) > 64 {
		return false
	}
	for _, part := range strings.Split(uid, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
