// Package desktop hosts the service in a wails application: a system tray
// with the glucose icon and a hidden chart window that opens from it.
package desktop

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v3/pkg/application"
	"github.com/wailsapp/wails/v3/pkg/events"

	"github.com/mrcode/nightscout-chart/internal/app"
	"github.com/mrcode/nightscout-chart/internal/autostart"
)

// Desktop is the wails service. Its exported methods, including those of the
// embedded app.Service, are bound to the chart window.
type Desktop struct {
	*app.Service

	cancel context.CancelFunc
	log    zerolog.Logger
}

// ServiceStartup starts the refresh loop
func (d *Desktop) ServiceStartup(ctx context.Context, _ application.ServiceOptions) error {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.Run(ctx)
	d.log.Debug().Msg("Refresh loop started")
	return nil
}

// ServiceShutdown stops the refresh loop
func (d *Desktop) ServiceShutdown() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// trayBridge adapts the wails tray and event bus to app.Surface
type trayBridge struct {
	app  *application.App
	tray *application.SystemTray
}

func (b *trayBridge) SetIcon(icon []byte) {
	if len(icon) > 0 {
		b.tray.SetIcon(icon)
	}
}

func (b *trayBridge) SetLabel(label string) {
	b.tray.SetLabel(label)
}

func (b *trayBridge) SetTooltip(tip string) {
	b.tray.SetTooltip(tip)
}

func (b *trayBridge) Emit(name string, data any) {
	b.app.Event.Emit(name, data)
}

// Run builds the wails application around svc and blocks until it quits
func Run(svc *app.Service, log zerolog.Logger) error {
	d := &Desktop{Service: svc, log: log}

	wapp := application.New(application.Options{
		Name:        "Nightscout Chart",
		Description: "Glucose chart with treatments and basal",
		Services: []application.Service{
			application.NewService(d),
		},
		Assets: application.AssetOptions{
			Handler: svc.Handler(),
		},
		Mac: application.MacOptions{
			ActivationPolicy: application.ActivationPolicyAccessory,
		},
	})

	window := wapp.Window.NewWithOptions(application.WebviewWindowOptions{
		Title:            "Nightscout Chart",
		Width:            980,
		Height:           760,
		Hidden:           true,
		URL:              "/",
		BackgroundColour: application.NewRGB(0x12, 0x12, 0x12),
	})
	// closing the window only hides it, the tray keeps running
	window.RegisterHook(events.Common.WindowClosing, func(e *application.WindowEvent) {
		window.Hide()
		e.Cancel()
	})

	systray := wapp.SystemTray.New()
	systray.SetTooltip("Nightscout Chart - Loading...")

	menu := application.NewMenu()
	menu.Add("Show chart").OnClick(func(*application.Context) {
		window.Show()
		window.Focus()
	})
	menu.Add("Refresh now").OnClick(func(*application.Context) {
		go svc.Tick(context.Background())
	})
	menu.Add("Test notification").OnClick(func(*application.Context) {
		if err := svc.SendTestNotification(); err != nil {
			log.Error().Err(err).Msg("Test notification failed")
		}
	})
	menu.AddSeparator()
	menu.Add("Quit").OnClick(func(*application.Context) {
		wapp.Quit()
	})
	systray.SetMenu(menu)
	systray.OnClick(func() {
		window.Show()
		window.Focus()
	})

	if launcher, err := autostart.New(); err != nil {
		log.Warn().Err(err).Msg("Login item unavailable")
	} else {
		svc.SetLoginItem(launcher)
		if svc.GetSettings().AutoStart {
			if err := launcher.Enable(); err != nil {
				log.Warn().Err(err).Msg("Failed to register login item")
			}
		}
	}

	svc.SetSurface(&trayBridge{app: wapp, tray: systray})
	log.Info().Msg("Tray started")
	return wapp.Run()
}
