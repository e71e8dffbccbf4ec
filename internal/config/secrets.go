package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/seantiz/querygate/internal/model"
)

// Credential is the resolved secret material for one instance. Only the
// fields relevant to the instance's credential reference are populated.
type Credential struct {
	User             string `json:"user,omitempty"`
	Password         string `json:"password,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`
}

// Secrets is the credential table built once at startup. Business logic
// resolves instance credentials through it and never reads the environment.
type Secrets struct {
	byRef map[string]Credential
}

// NewSecrets builds a table from explicit entries, keyed by reference name.
func NewSecrets(entries map[string]Credential) *Secrets {
	byRef := make(map[string]Credential, len(entries))
	for k, v := range entries {
		byRef[strings.ToUpper(k)] = v
	}
	return &Secrets{byRef: byRef}
}

// LoadSecrets reads <REF>_USER, <REF>_PASSWORD and <REF>_CONNECTION_STRING for
// every reference named by the given instances, using lookup (os.LookupEnv
// when nil).
func LoadSecrets(instances []model.Instance, lookup func(string) (string, bool)) (*Secrets, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	byRef := make(map[string]Credential)
	for _, inst := range instances {
		if ref := strings.ToUpper(inst.AuthRef); ref != "" {
			user, _ := lookup(ref + "_USER")
			password, _ := lookup(ref + "_PASSWORD")
			byRef[ref] = Credential{User: user, Password: password}
		}
		if ref := strings.ToUpper(inst.ConnectionRef); ref != "" {
			conn, ok := lookup(ref + "_CONNECTION_STRING")
			if !ok || conn == "" {
				return nil, fmt.Errorf("instance %s: %s_CONNECTION_STRING is not set", inst.ID, ref)
			}
			byRef[ref] = Credential{ConnectionString: conn}
		}
	}

	return &Secrets{byRef: byRef}, nil
}

// Resolve returns the credential for inst. Instances addressed by host and
// port without an auth reference resolve to an empty credential.
func (s *Secrets) Resolve(inst model.Instance) (Credential, error) {
	if ref := strings.ToUpper(inst.ConnectionRef); ref != "" {
		c, ok := s.byRef[ref]
		if !ok || c.ConnectionString == "" {
			return Credential{}, fmt.Errorf("instance %s: no connection string for reference %q", inst.ID, inst.ConnectionRef)
		}
		return c, nil
	}
	if ref := strings.ToUpper(inst.AuthRef); ref != "" {
		c, ok := s.byRef[ref]
		if !ok {
			return Credential{}, fmt.Errorf("instance %s: no credentials for reference %q", inst.ID, inst.AuthRef)
		}
		return c, nil
	}
	return Credential{}, nil
}
