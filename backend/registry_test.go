package backend

import (
	"errors"
	"testing"
)

// fakeDevice is a minimal Device for registry tests.
type fakeDevice struct {
	name    string
	initErr error
	inited  bool
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Init() error {
	if d.initErr != nil {
		return d.initErr
	}
	d.inited = true
	return nil
}
func (d *fakeDevice) Close() {}
func (d *fakeDevice) Limits() Limits { return Limits{} }

func (d *fakeDevice) CreateTexture(*TextureDescriptor) (TextureID, error) { return 0, nil }
func (d *fakeDevice) UploadTexture(TextureID, []byte) error { return nil }
func (d *fakeDevice) DestroyTexture(TextureID) {}

func (d *fakeDevice) CreateFramebuffer(*FramebufferDescriptor) (FramebufferID, error) {
	return 0, nil
}
func (d *fakeDevice) DestroyFramebuffer(FramebufferID) {}

func (d *fakeDevice) CreateBuffer(*BufferDescriptor) (BufferID, error) { return 0, nil }
func (d *fakeDevice) WriteBuffer(BufferID, uint64, []byte) error { return nil }
func (d *fakeDevice) DestroyBuffer(BufferID) {}
func (d *fakeDevice) BufferValid(BufferID) bool { return false }

func (d *fakeDevice) CreateVertexArray() (VertexArrayID, error) { return 0, nil }
func (d *fakeDevice) DestroyVertexArray(VertexArrayID) {}

func (d *fakeDevice) CompileShader(ShaderStage, string) (ShaderID, error) { return 0, nil }
func (d *fakeDevice) DestroyShader(ShaderID) {}
func (d *fakeDevice) LinkProgram(ShaderID, ShaderID) (ProgramID, error) { return 0, nil }
func (d *fakeDevice) DestroyProgram(ProgramID) {}

func (d *fakeDevice) UseProgram(ProgramID) {}
func (d *fakeDevice) BindVertexArray(VertexArrayID) {}
func (d *fakeDevice) BindBuffer(BufferType, BufferID) {}
func (d *fakeDevice) BindTexture(int, TextureID) {}
func (d *fakeDevice) SetViewport(Viewport) {}
func (d *fakeDevice) SetBlendEnabled(bool) {}
func (d *fakeDevice) SetDepthTestEnabled(bool) {}
func (d *fakeDevice) SetCullFaceEnabled(bool) {}
func (d *fakeDevice) SetUniform(ProgramID, string, UniformValue) error { return nil }
func (d *fakeDevice) Draw(PrimitiveMode, int, int) {}
func (d *fakeDevice) DrawInstanced(PrimitiveMode, int, int, int) {}

func TestRegisterAndGet(t *testing.T) {
	Register("fake", func() Device { return &fakeDevice{name: "fake"} })
	t.Cleanup(func() { Unregister("fake") })

	if !IsRegistered("fake") {
		t.Fatal("fake device should be registered")
	}
	d := Get("fake")
	if d == nil {
		t.Fatal("Get returned nil for registered device")
	}
	if d.Name() != "fake" {
		t.Errorf("Name() = %q, want fake", d.Name())
	}
}

func TestGetUnknown(t *testing.T) {
	if d := Get("no-such-device"); d != nil {
		t.Errorf("Get for unknown name = %v, want nil", d)
	}
}

func TestUnregister(t *testing.T) {
	Register("fake", func() Device { return &fakeDevice{name: "fake"} })
	Unregister("fake")

	if IsRegistered("fake") {
		t.Error("fake device still registered after Unregister")
	}
}

func TestAvailableListsRegistered(t *testing.T) {
	Register("fake-a", func() Device { return &fakeDevice{name: "fake-a"} })
	t.Cleanup(func() { Unregister("fake-a") })

	found := false
	for _, name := range Available() {
		if name == "fake-a" {
			found = true
		}
	}
	if !found {
		t.Errorf("Available() = %v, missing fake-a", Available())
	}
}

func TestDefaultPriority(t *testing.T) {
	// With both priority names registered, the GPU device wins.
	Register(DeviceWGPU, func() Device { return &fakeDevice{name: DeviceWGPU} })
	Register(DeviceHeadless, func() Device { return &fakeDevice{name: DeviceHeadless} })
	t.Cleanup(func() {
		Unregister(DeviceWGPU)
		Unregister(DeviceHeadless)
	})

	d := Default()
	if d == nil {
		t.Fatal("Default returned nil")
	}
	if d.Name() != DeviceWGPU {
		t.Errorf("Default() = %q, want %q", d.Name(), DeviceWGPU)
	}
}

func TestInitDefault(t *testing.T) {
	fake := &fakeDevice{name: DeviceHeadless}
	Register(DeviceHeadless, func() Device { return fake })
	t.Cleanup(func() { Unregister(DeviceHeadless) })

	d, err := InitDefault()
	if err != nil {
		t.Fatalf("InitDefault: %v", err)
	}
	if !fake.inited {
		t.Error("InitDefault did not call Init")
	}
	if d != Device(fake) {
		t.Error("InitDefault returned a different device instance")
	}
}

func TestInitDefaultPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	Register(DeviceHeadless, func() Device { return &fakeDevice{name: DeviceHeadless, initErr: wantErr} })
	t.Cleanup(func() { Unregister(DeviceHeadless) })

	if _, err := InitDefault(); !errors.Is(err, wantErr) {
		t.Errorf("InitDefault error = %v, want %v", err, wantErr)
	}
}
