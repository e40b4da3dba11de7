package routes

import (
	"context"
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
)

// Runtime 是诊断接口依赖的 lifecycle.Runtime 子集。
type Runtime interface {
	Status() lifecycle.Status
	Promote(ctx context.Context) error
}

// RegisterLifecycleRoutes 暴露 /-/status、/-/stores 与 /-/lifecycle/promote 诊断接口，
// 供运维查询当前缓存代际并手动激活等待中的 worker。
func RegisterLifecycleRoutes(app *fiber.App, runtime Runtime, storage cache.Storage) {
	if app == nil || runtime == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(runtime.Status())
	})

	if storage != nil {
		app.Get("/-/stores", func(c fiber.Ctx) error {
			stores, err := encodeStores(c.Context(), storage, currentGeneration(runtime.Status()))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
			}
			return c.JSON(fiber.Map{"stores": stores})
		})
	}

	app.Post("/-/lifecycle/promote", func(c fiber.Ctx) error {
		err := runtime.Promote(c.Context())
		switch {
		case errors.Is(err, lifecycle.ErrNoWaitingWorker):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_worker"})
		case err != nil:
			// worker 已接管控制权，只是激活回调报告了失败。
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
				"status": runtime.Status(),
			})
		}
		return c.JSON(runtime.Status())
	})
}

type storePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func currentGeneration(status lifecycle.Status) string {
	if status.Active == nil {
		return ""
	}
	return status.Active.Name
}

func encodeStores(ctx context.Context, storage cache.Storage, current string) ([]storePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	result := make([]storePayload, 0, len(names))
	for _, name := range names {
		item := storePayload{Name: name, Current: name == current}
		// Lookup 不会创建 Store，列出后已被删除的代际直接跳过。
		store, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil && !errors.Is(err, cache.ErrStoreDeleted) {
			return nil, err
		}
		item.Entries = len(keys)
		result = append(result, item)
	}
	return result, nil
}
