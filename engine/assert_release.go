//go:build !jshostdebug

package engine

import "go.uber.org/zap"

const debugRelease = false

func releaseFailed(c *Context, id uint64) {
	c.log.Error("release of unknown handle", zap.Uint64("handle", id))
}
