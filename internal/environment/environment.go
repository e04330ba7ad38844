// Package environment locates the interpreter's site-packages directory so
// the Zygote can inject it onto the import path before warming up the test
// framework: the project root alone is not enough to import an installed
// test framework when the project uses a virtualenv.
package environment

import (
	"os"
	"path/filepath"
	"strings"
)

// FindSitePackages searches, in priority order, an activated virtual
// environment ($VIRTUAL_ENV), a .venv directory under projectRoot, and a
// venv directory under projectRoot, returning the first site-packages
// directory found. Returns "" if none is found.
func FindSitePackages(projectRoot string) string {
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		if sp := sitePackagesIn(venv); sp != "" {
			return sp
		}
	}
	for _, name := range []string{".venv", "venv"} {
		candidate := filepath.Join(projectRoot, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			if sp := sitePackagesIn(candidate); sp != "" {
				return sp
			}
		}
	}
	return ""
}

// sitePackagesIn looks for lib/pythonX.Y/site-packages under venv.
func sitePackagesIn(venv string) string {
	lib := filepath.Join(venv, "lib")
	entries, err := os.ReadDir(lib)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "python") {
			continue
		}
		site := filepath.Join(lib, e.Name(), "site-packages")
		if info, err := os.Stat(site); err == nil && info.IsDir() {
			return site
		}
	}
	return ""
}

// ImportPaths returns the entries that should be prepended to the
// interpreter's module search path, in order: the project root always
// first, followed by the resolved site-packages directory if one was
// found.
func ImportPaths(projectRoot string) []string {
	paths := []string{projectRoot}
	if sp := FindSitePackages(projectRoot); sp != "" {
		paths = append(paths, sp)
	}
	return paths
}
