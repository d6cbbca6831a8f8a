package main

import (
	"flag"
	"fmt"
	"image"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/gekko3d/lumen"
	"github.com/gekko3d/lumen/surfacecache/rt/app"
	"github.com/gekko3d/lumen/surfacecache/rt/capture"
	"github.com/gekko3d/lumen/surfacecache/rt/core"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging and per-second profiler output")
	headless := flag.Bool("headless", false, "Run on the CPU capture backend without a window")
	frames := flag.Int("frames", 120, "Frames to run in headless mode")
	listVars := flag.Bool("list-cvars", false, "List console variables and exit")
	atlasPages := flag.Int("atlas-pages", 0, "Physical atlas side in pages (default 32, 16 headless)")
	cfg := core.DefaultSchedulerConfig()
	flag.Func("cvar", "Set a console variable, name=value (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("expected name=value, got %q", s)
		}
		return cfg.Set(name, value)
	})
	flag.Parse()

	if *listVars {
		for _, v := range core.Variables() {
			fmt.Printf("%-40s %s\n", v[0], v[1])
		}
		return
	}

	switch {
	case *atlasPages > 0:
		cfg.PhysicalAtlasPagesX, cfg.PhysicalAtlasPagesY = *atlasPages, *atlasPages
	case *headless:
		// Every software layer is a full RGBA image.
		cfg.PhysicalAtlasPagesX, cfg.PhysicalAtlasPagesY = 16, 16
	}

	log := lumen.NewDefaultLogger("lumen", *debug)
	if *headless {
		if err := runHeadless(cfg, *frames, log); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		return
	}

	if err := glfw.Init(); err != nil {
		panic(err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(1280, 720, "Lumen surface cache", nil, nil)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	application := app.NewApp(window, cfg, log)
	application.DebugMode = *debug
	if err := application.Init(); err != nil {
		panic(err)
	}
	defer application.Release()

	window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		application.Resize(width, height)
	})

	window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		if application.MouseCaptured {
			application.Camera.Look(float32(xpos-application.MouseX), float32(ypos-application.MouseY))
		}
		application.MouseX = xpos
		application.MouseY = ypos
	})

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		switch key {
		case glfw.KeyTab:
			application.MouseCaptured = !application.MouseCaptured
			if application.MouseCaptured {
				w.SetInputMode(glfw.CursorMode, glfw.CursorDisabled)
			} else {
				w.SetInputMode(glfw.CursorMode, glfw.CursorNormal)
			}
		case glfw.KeyEscape:
			w.SetShouldClose(true)
		case glfw.KeyL:
			application.NextLayer()
		case glfw.KeyF:
			application.ToggleFreeze()
		case glfw.KeyR:
			application.RequestReset()
		}
	})

	for !window.ShouldClose() {
		glfw.PollEvents()
		application.Update()
		application.Render()
	}
}

// runHeadless orbits the demo scene on the software backend and prints the
// profiler after the last frame.
func runHeadless(cfg core.SchedulerConfig, frames int, log lumen.Logger) error {
	backend := capture.NewSoftwareBackend(image.Point{}, image.Point{}, capture.FlatPainter)
	cache, err := lumen.New(cfg, lumen.WithLogger(log), lumen.WithBackend(backend))
	if err != nil {
		return err
	}
	defer cache.Close()

	n, err := app.BuildDemoScene(cache, 24, 600, 1)
	if err != nil {
		return err
	}
	log.Infof("demo scene: %d primitives", n)

	var captured, adds, removes int
	for f := 0; f < frames; f++ {
		angle := float64(f) / float64(max(frames, 1)) * 2 * math.Pi
		eye := mgl32.Vec3{float32(math.Cos(angle)) * 6000, float32(math.Sin(angle)) * 6000, 800}
		res, err := cache.Update(lumen.FrameInput{ViewOrigins: []mgl32.Vec3{eye}})
		if err != nil {
			return err
		}
		captured += len(res.Pages)
		adds += res.Adds
		removes += res.Removes
	}

	fmt.Print(cache.Profiler().StatsString())
	fmt.Printf("frames %d, pages captured %d, mesh cards added %d removed %d, mapped pages %d\n",
		frames, captured, adds, removes, cache.PageTable().NumMappedPages())
	return nil
}
