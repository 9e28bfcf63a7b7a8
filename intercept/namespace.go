package intercept

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wolfeidau/offline-cache/strategy"
)

// precachePrefix names the namespace holding the install manifest.
const precachePrefix = "precache"

// namespaceName returns the versioned namespace for prefix, e.g. "font-v3".
func namespaceName(prefix string, version int) string {
	return fmt.Sprintf("%s-v%d", prefix, version)
}

// classNamespace returns the runtime namespace of class at version.
func classNamespace(class strategy.Class, version int) string {
	return namespaceName(string(class), version)
}

// precacheNamespace returns the precache namespace at version.
func precacheNamespace(version int) string {
	return namespaceName(precachePrefix, version)
}

// parseNamespace splits a versioned namespace name. ok is false for names
// that do not follow the "<prefix>-v<version>" pattern.
func parseNamespace(name string) (prefix string, version int, ok bool) {
	idx := strings.LastIndex(name, "-v")
	if idx <= 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(name[idx+2:])
	if err != nil || v <= 0 {
		return "", 0, false
	}
	return name[:idx], v, true
}

// versionNamespaces lists every namespace owned by version.
func versionNamespaces(version int) []string {
	names := []string{precacheNamespace(version)}
	for _, class := range strategy.Classes() {
		names = append(names, classNamespace(class, version))
	}
	return names
}
