package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/clients"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/snapshot"
	"github.com/offgate/offgate/internal/version"
)

// ControlOptions 汇总 /-/ 控制接口依赖的组件。
type ControlOptions struct {
	Logger      *logrus.Logger
	Registry    *snapshot.Registry
	Tracker     *clients.Tracker
	Broadcaster *notify.Broadcaster
}

// RegisterControlRoutes 暴露 /-/ 控制命名空间：状态诊断、客户端注册与
// 状态事件的 SSE 通道。该命名空间不会被请求分发器拦截。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		snapshots, err := opts.Registry.List(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "registry_unavailable"})
		}
		pending, _ := opts.Registry.IsUpdatePending(ctx)

		return c.JSON(fiber.Map{
			"version":        version.Full(),
			"base_name":      opts.Registry.BaseName(),
			"snapshots":      snapshots,
			"update_pending": pending,
			"clients":        opts.Tracker.Count(),
		})
	})

	app.Post("/-/clients", func(c fiber.Ctx) error {
		var payload struct {
			URL string `json:"url"`
		}
		if err := c.Bind().Body(&payload); err != nil || strings.TrimSpace(payload.URL) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_url_required"})
		}
		client := opts.Tracker.Register(payload.URL)
		return c.Status(fiber.StatusCreated).JSON(client)
	})

	app.Put("/-/clients/:id", func(c fiber.Ctx) error {
		var payload struct {
			URL string `json:"url"`
		}
		_ = c.Bind().Body(&payload)
		if !opts.Tracker.Heartbeat(c.Params("id"), payload.URL) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		opts.Tracker.Unregister(c.Params("id"))
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		id, events := opts.Broadcaster.Subscribe()
		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer opts.Broadcaster.Unsubscribe(id)
			for event := range events {
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if _, err := w.WriteString("data: " + string(data) + "\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
	})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
