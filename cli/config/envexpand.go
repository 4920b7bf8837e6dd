// Package config handles camlink.yaml loading.
package config

import (
	"os"
	"regexp"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:?-)([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config file:
//
//	${VAR}          value of VAR, empty if unset
//	${VAR:-default} default when VAR is unset or empty
//	${VAR-default}  default only when VAR is unset
//
// An unset variable is not an error; a missing server or secret fails
// later validation instead.
func ExpandEnv(input string) string {
	return expandWith(input, os.LookupEnv)
}

func expandWith(input string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, def := m[1], m[2], m[3]

		value, set := lookup(name)
		switch op {
		case ":-":
			if value == "" {
				return def
			}
		case "-":
			if !set {
				return def
			}
		}
		return value
	})
}
