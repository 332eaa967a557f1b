//go:build jshostdebug

package engine

import "fmt"

const debugRelease = true

func releaseFailed(c *Context, id uint64) {
	panic(fmt.Sprintf("jshost: release of unknown handle %d in context %s", id, c.id))
}
