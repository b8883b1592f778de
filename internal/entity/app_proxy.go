package entity

import (
	"context"
	"time"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/proto"
)

// Script proxies. These maps are the entire capability surface an app
// script can reach beyond the sandbox globals.

func (a *App) worldProxy() map[string]any {
	return map[string]any{
		"isServer": a.world.IsServer(),
		"on": func(name string, fn func(args ...any)) {
			off := a.world.Events().On(name, fn)
			// Listener lifetime is bounded by this build.
			prev := a.handlers.Destroy
			a.handlers.Destroy = func() error {
				off()
				if prev != nil {
					return prev()
				}
				return nil
			}
		},
		"emit": func(name string, data any) {
			a.world.Events().Emit(name, data)
		},
	}
}

func (a *App) appProxy() map[string]any {
	return map[string]any{
		"id":    a.ID(),
		"state": a.state,
		"on": func(name string, fn func(args ...any)) {
			a.appBus.On(name, fn)
		},
		"emit": func(name string, data any) {
			a.world.Broadcast(proto.TagEntityEvent, proto.EntityEvent{
				EntityID: a.ID(),
				Version:  a.builtVersion,
				Name:     name,
				Data:     data,
			})
		},
		"position": func() map[string]any {
			return map[string]any{"x": a.position.X(), "y": a.position.Y(), "z": a.position.Z()}
		},
	}
}

// fetchProxy hands scripts an HTTP-shaped fetch that chains the app's
// abort token: responses arriving after unbuild are dropped with an error
// the script observes as a rejection.
func (a *App) fetchProxy() func(url string) map[string]any {
	ctx := a.buildCtx
	fetcher := a.world.Assets()
	return func(url string) map[string]any {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		_, ext, err := assets.ParseURL(url)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		typ, _ := assets.TypeForExt(ext)
		asset, err := fetcher.Load(loadCtx, typ, url)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "body": string(asset.Bytes)}
	}
}
