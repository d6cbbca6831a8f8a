package app

import (
	"fmt"
	"unsafe"

	"github.com/gekko3d/lumen"
	"github.com/gekko3d/lumen/surfacecache/rt/capture"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/gpu"
	"github.com/gekko3d/lumen/surfacecache/rt/shaders"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

// App shows one persistent atlas layer of a live surface cache.
type App struct {
	Window   *glfw.Window
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Surface  *wgpu.Surface
	Config   *wgpu.SurfaceConfiguration

	RenderPipeline *wgpu.RenderPipeline
	Sampler        *wgpu.Sampler
	RenderBG       *wgpu.BindGroup
	boundView      *wgpu.TextureView

	Overlay          *Overlay
	TextPipeline     *wgpu.RenderPipeline
	TextAtlasView    *wgpu.TextureView
	TextBindGroup    *wgpu.BindGroup
	TextVertexBuffer *wgpu.Buffer
	TextVertexCount  uint32

	SurfaceCfg core.SchedulerConfig
	Cache      *lumen.SurfaceCache
	GPU        *gpu.Manager
	Camera     *CameraState
	Layer      capture.Layer
	Log        core.Logger

	LastTime      float64
	MouseCaptured bool
	MouseX        float64
	MouseY        float64
	DebugMode     bool

	FrameCount int
	FPS        float64
	// FPSTime is when the current FPS window started.
	FPSTime float64
}

func NewApp(window *glfw.Window, cfg core.SchedulerConfig, log core.Logger) *App {
	return &App{
		Window:     window,
		SurfaceCfg: cfg,
		Camera:     NewCameraState(),
		Log:        core.LoggerOrNop(log),
	}
}

func (a *App) Init() error {
	a.Instance = wgpu.CreateInstance(nil)

	surface := a.Instance.CreateSurface(GetSurfaceDescriptor(a.Window))
	a.Surface = surface

	adapter, err := a.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return err
	}
	a.Adapter = adapter

	a.Device, err = adapter.RequestDevice(nil)
	if err != nil {
		return err
	}
	a.Queue = a.Device.GetQueue()

	width, height := a.Window.GetFramebufferSize()
	caps := surface.GetCapabilities(adapter)
	format := caps.Formats[0]

	a.Config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	surface.Configure(adapter, a.Device, a.Config)

	fsModule, err := a.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Fullscreen VS/FS",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.FullscreenWGSL},
	})
	if err != nil {
		return err
	}
	defer fsModule.Release()

	a.RenderPipeline, err = a.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "Atlas Blit Pipeline",
		Vertex: wgpu.VertexState{
			Module:     fsModule,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     fsModule,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return err
	}

	a.Sampler, err = a.Device.CreateSampler(&wgpu.SamplerDescriptor{
		MinFilter:     wgpu.FilterModeNearest,
		MagFilter:     wgpu.FilterModeNearest,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return err
	}

	a.Overlay, err = NewOverlay(nil, 16)
	if err != nil {
		a.Log.Warnf("text overlay disabled: %v", err)
	} else {
		a.setupTextResources()
	}

	a.GPU, err = gpu.NewManager(a.Device, gpu.Options{
		PhysicalSize:     a.SurfaceCfg.PhysicalAtlasSize(),
		CaptureSize:      a.SurfaceCfg.CaptureAtlasSize(),
		FeedbackCapacity: 1 << 16,
		ResampleWGSL:     shaders.ResampleWGSL,
	}, a.Log)
	if err != nil {
		return err
	}

	a.Cache, err = lumen.New(a.SurfaceCfg,
		lumen.WithLogger(a.Log),
		lumen.WithBackend(a.GPU.Backend),
		lumen.WithUploader(a.GPU),
	)
	if err != nil {
		return err
	}
	n, err := BuildDemoScene(a.Cache, 24, 600, 1)
	if err != nil {
		return err
	}
	a.Log.Infof("demo scene: %d primitives", n)

	a.LastTime = glfw.GetTime()
	return nil
}

// setupBindGroup binds the displayed atlas layer. The view changes whenever
// the atlas is recreated.
func (a *App) setupBindGroup() error {
	view := a.GPU.Atlas.PersistentView[a.Layer]
	if view == a.boundView && a.RenderBG != nil {
		return nil
	}
	if a.RenderBG != nil {
		a.RenderBG.Release()
		a.RenderBG = nil
	}
	bg, err := a.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: a.RenderPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: view},
			{Binding: 1, Sampler: a.Sampler},
		},
	})
	if err != nil {
		return fmt.Errorf("atlas bind group: %w", err)
	}
	a.RenderBG = bg
	a.boundView = view
	return nil
}

func (a *App) Resize(w, h int) {
	if w > 0 && h > 0 {
		a.Config.Width = uint32(w)
		a.Config.Height = uint32(h)
		a.Surface.Configure(a.Adapter, a.Device, a.Config)
	}
}

// NextLayer cycles the displayed atlas layer.
func (a *App) NextLayer() {
	a.Layer = (a.Layer + 1) % capture.NumLayers
	a.Log.Infof("showing %s atlas", a.Layer)
}

// ToggleFreeze stops or resumes scheduling while the camera keeps moving.
func (a *App) ToggleFreeze() {
	cfg := a.Cache.Config()
	cfg.Freeze = !cfg.Freeze
	if err := a.Cache.ReloadConfig(cfg); err != nil {
		a.Log.Errorf("freeze: %v", err)
	}
}

// RequestReset drops every card at the start of the next update.
func (a *App) RequestReset() {
	cfg := a.Cache.Config()
	cfg.Reset = true
	if err := a.Cache.ReloadConfig(cfg); err != nil {
		a.Log.Errorf("reset: %v", err)
	}
}

func (a *App) axis(pos, neg glfw.Key) float32 {
	v := float32(0)
	if a.Window.GetKey(pos) == glfw.Press {
		v++
	}
	if a.Window.GetKey(neg) == glfw.Press {
		v--
	}
	return v
}

func (a *App) Update() {
	now := glfw.GetTime()
	dt := float32(now - a.LastTime)
	a.LastTime = now

	a.Camera.Move(a.axis(glfw.KeyW, glfw.KeyS), a.axis(glfw.KeyD, glfw.KeyA), a.axis(glfw.KeyE, glfw.KeyQ), dt)

	feedback, _ := a.GPU.ReadFeedback()
	res, err := a.Cache.Update(lumen.FrameInput{
		ViewOrigins: []mgl32.Vec3{a.Camera.Position},
		Feedback:    feedback,
	})
	if err != nil {
		a.Log.Errorf("surface cache update: %v", err)
		return
	}
	if res.Reset {
		a.Log.Infof("surface cache reset at frame %d", res.Frame)
	}

	a.TextVertexCount = 0
	if a.Overlay == nil {
		return
	}
	a.Overlay.Reset()
	a.Overlay.FrameStats(res, fmt.Sprintf("%s atlas  %.1f FPS", a.Layer, a.FPS), a.Cache.PageTable().NumMappedPages())
	if a.DebugMode {
		a.Overlay.Printf(overlayBody, "%s", a.Cache.Profiler().StatsString())
	}
	a.uploadText()
}

func (a *App) uploadText() {
	if a.TextPipeline == nil {
		return
	}
	vertices := a.Overlay.Vertices(int(a.Config.Width), int(a.Config.Height))
	if len(vertices) == 0 {
		return
	}
	vSize := uint64(len(vertices) * int(unsafe.Sizeof(OverlayVertex{})))
	if a.TextVertexBuffer == nil || a.TextVertexBuffer.GetSize() < vSize {
		if a.TextVertexBuffer != nil {
			a.TextVertexBuffer.Release()
		}
		var err error
		a.TextVertexBuffer, err = a.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "Text VB",
			Size:  vSize,
			Usage: wgpu.BufferUsageVertex | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			a.Log.Errorf("text vertex buffer: %v", err)
			a.TextVertexBuffer = nil
			return
		}
	}
	a.Queue.WriteBuffer(a.TextVertexBuffer, 0, unsafe.Slice((*byte)(unsafe.Pointer(&vertices[0])), vSize))
	a.TextVertexCount = uint32(len(vertices))
}

func (a *App) Render() {
	if err := a.setupBindGroup(); err != nil {
		a.Log.Errorf("%v", err)
		return
	}

	nextTexture, err := a.Surface.GetCurrentTexture()
	if err != nil {
		a.Log.Errorf("GetCurrentTexture failed: %v", err)
		return
	}
	defer nextTexture.Release()

	view, err := nextTexture.CreateView(nil)
	if err != nil {
		a.Log.Errorf("CreateView failed: %v", err)
		return
	}
	defer view.Release()

	encoder, err := a.Device.CreateCommandEncoder(nil)
	if err != nil {
		a.Log.Errorf("CreateCommandEncoder failed: %v", err)
		return
	}

	a.GPU.CopyFeedback(encoder)

	rPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{0, 0, 0, 1},
		}},
	})
	rPass.SetPipeline(a.RenderPipeline)
	rPass.SetBindGroup(0, a.RenderBG, nil)
	rPass.Draw(3, 1, 0, 0)

	if a.TextVertexCount > 0 && a.TextVertexBuffer != nil {
		rPass.SetPipeline(a.TextPipeline)
		rPass.SetBindGroup(0, a.TextBindGroup, nil)
		rPass.SetVertexBuffer(0, a.TextVertexBuffer, 0, a.TextVertexBuffer.GetSize())
		rPass.Draw(a.TextVertexCount, 1, 0, 0)
	}

	if err := rPass.End(); err != nil {
		a.Log.Errorf("render pass End failed: %v", err)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		a.Log.Errorf("encoder Finish failed: %v", err)
		return
	}
	a.Queue.Submit(cmd)
	a.Surface.Present()

	a.FrameCount++
	a.updateFPS()
}

func (a *App) updateFPS() {
	now := glfw.GetTime()
	if a.FPSTime == 0 {
		a.FPSTime = now
		return
	}
	if elapsed := now - a.FPSTime; elapsed >= 1.0 {
		a.FPS = float64(a.FrameCount) / elapsed
		a.FrameCount = 0
		a.FPSTime = now
		a.Window.SetTitle(fmt.Sprintf("Lumen surface cache - %s atlas - %.1f FPS", a.Layer, a.FPS))
		if a.DebugMode {
			a.Log.Debugf("%s", a.Cache.Profiler().StatsString())
		}
	}
}

// Release frees the cache and every GPU resource.
func (a *App) Release() {
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.RenderBG != nil {
		a.RenderBG.Release()
	}
	if a.TextVertexBuffer != nil {
		a.TextVertexBuffer.Release()
	}
	if a.GPU != nil {
		a.GPU.Release()
	}
}

func GetSurfaceDescriptor(w *glfw.Window) *wgpu.SurfaceDescriptor {
	return wgpuglfw.GetSurfaceDescriptor(w)
}

func (a *App) setupTextResources() {
	atlas := a.Overlay.Atlas
	w, h := atlas.Bounds().Dx(), atlas.Bounds().Dy()
	tex, err := a.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "Text Atlas",
		Size:          wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		Format:        wgpu.TextureFormatR8Unorm,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
		Dimension:     wgpu.TextureDimension2D,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		a.Log.Errorf("text atlas: %v", err)
		return
	}
	a.Queue.WriteTexture(tex.AsImageCopy(), atlas.Pix, &wgpu.TextureDataLayout{
		Offset:       0,
		BytesPerRow:  uint32(w),
		RowsPerImage: uint32(h),
	}, &wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1})

	a.TextAtlasView, err = tex.CreateView(nil)
	if err != nil {
		a.Log.Errorf("text atlas view: %v", err)
		return
	}

	textMod, err := a.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Text Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.TextWGSL},
	})
	if err != nil {
		a.Log.Errorf("text shader module: %v", err)
		return
	}
	defer textMod.Release()

	a.TextPipeline, err = a.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "Text Pipeline",
		Vertex: wgpu.VertexState{
			Module:     textMod,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride: uint64(unsafe.Sizeof(OverlayVertex{})),
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
					{Format: wgpu.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 2},
				},
			}},
		},
		Fragment: &wgpu.FragmentState{
			Module:     textMod,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format: a.Config.Format,
				Blend: &wgpu.BlendState{
					Color: wgpu.BlendComponent{
						SrcFactor: wgpu.BlendFactorSrcAlpha,
						DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						Operation: wgpu.BlendOperationAdd,
					},
					Alpha: wgpu.BlendComponent{
						SrcFactor: wgpu.BlendFactorOne,
						DstFactor: wgpu.BlendFactorOne,
						Operation: wgpu.BlendOperationAdd,
					},
				},
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		a.Log.Errorf("text render pipeline: %v", err)
		a.TextPipeline = nil
		return
	}

	a.TextBindGroup, err = a.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: a.TextPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: a.TextAtlasView},
			{Binding: 1, Sampler: a.Sampler},
		},
	})
	if err != nil {
		a.Log.Errorf("text bind group: %v", err)
		a.TextPipeline = nil
	}
}
