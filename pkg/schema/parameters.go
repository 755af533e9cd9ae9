package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Parameter keys accepted by StageFactory.
const (
	ParamKeyPath     = "keypath"
	ParamKeyType     = "keytype"
	ParamKeyPassword = "key_password"
	ParamHostWD      = "hostwd"
	ParamBind        = "bind"
)

// parameterDef describes a recognised stage parameter.
type parameterDef struct {
	Key     string
	Alias   string
	Default string
	// Enum maps accepted spellings onto their canonical value.
	Enum map[string]string
}

var parameterDefs = []parameterDef{
	{Key: ParamKeyPath, Default: defaultKeyPath()},
	{
		Key:     ParamKeyType,
		Default: "rsa",
		Enum: map[string]string{
			"rsa": "rsa", "RSAKey": "rsa",
			"dsa": "dsa", "dss": "dsa", "DSSKey": "dsa",
			"ecdsa": "ecdsa", "ECDSAKey": "ecdsa",
			"ed25519": "ed25519", "Ed25519Key": "ed25519",
		},
	},
	{Key: ParamKeyPassword, Alias: "keypass"},
	{Key: ParamHostWD, Default: "."},
	{Key: ParamBind, Default: "/build_magic"},
}

func lookupParameter(name string) (parameterDef, bool) {
	for _, def := range parameterDefs {
		if def.Key == name || (def.Alias != "" && def.Alias == name) {
			return def, true
		}
	}
	return parameterDef{}, false
}

// ParseParameters validates key/value pairs and returns them keyed by
// canonical key. Unknown keys and values outside an enum are rejected.
func ParseParameters(pairs [][2]string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		def, ok := lookupParameter(pair[0])
		if !ok {
			return nil, fmt.Errorf("parameter %s is not a valid parameter", pair[0])
		}
		value := pair[1]
		if value == "" {
			value = def.Default
		}
		if def.Enum != nil {
			canonical, ok := def.Enum[value]
			if !ok {
				return nil, fmt.Errorf("value %s is not one of %s", value, enumValues(def.Enum))
			}
			value = canonical
		}
		params[def.Key] = value
	}
	return params, nil
}

// ParameterOrDefault returns params[key] or the definition's default.
func ParameterOrDefault(params map[string]string, key string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	if def, ok := lookupParameter(key); ok {
		return def.Default
	}
	return ""
}

func enumValues(enum map[string]string) string {
	seen := map[string]struct{}{}
	var values []string
	for _, v := range enum {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("~", ".ssh", "id_rsa")
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}
