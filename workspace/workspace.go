// Package workspace hands out scoped temporary directories to pipeline work
// units. Each unit running under parallel dispatch gets its own directory for
// external-tool inputs and outputs, so concurrently running units never
// collide on file names.
package workspace

import (
	"io/ioutil"
	"os"

	"github.com/grailbio/base/log"
)

// Provider creates unit-scoped directories under a common root. The zero
// value uses the system temp directory.
type Provider struct {
	// Root is the parent of all unit directories. Empty means os.TempDir().
	Root string
	// Keep disables cleanup, leaving unit directories behind for debugging.
	Keep bool
}

// Unit allocates a fresh directory for one work unit. The returned cleanup
// must be called when the unit's external-tool invocations are done; it is a
// no-op when Keep is set.
func (p *Provider) Unit(name string) (dir string, cleanup func(), err error) {
	root := p.Root
	if root != "" {
		if err = os.MkdirAll(root, 0755); err != nil {
			return "", nil, err
		}
	}
	dir, err = ioutil.TempDir(root, name+"-")
	if err != nil {
		return "", nil, err
	}
	log.Debug.Printf("workspace: %s", dir)
	if p.Keep {
		return dir, func() {}, nil
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Error.Printf("workspace: remove %s: %v", dir, err)
		}
	}, nil
}
