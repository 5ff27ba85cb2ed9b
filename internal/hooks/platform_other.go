//go:build !windows || !nativehooks

package hooks

func newPlatformPipeline(cfg Config) Pipeline {
	return NewNoop(cfg)
}
