package registry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cuemby/fleetwright/internal/clustererr"
	"github.com/stretchr/testify/require"
)

type greeter interface {
	Greet() string
}

type fixedGreeter struct{ msg string }

func (f *fixedGreeter) Greet() string { return f.msg }

func TestRegisterAndLookup(t *testing.T) {
	b := NewBinding[greeter]()
	a := &fixedGreeter{msg: "hello"}
	b.Register("a", "owner1", a)

	reg, ok := b.Registration("a")
	require.True(t, ok)
	require.Equal(t, "hello", reg.Instance().Greet())

	regs := b.Registrations()
	require.Len(t, regs, 1)
}

func TestFirstRegistrationIsDefault(t *testing.T) {
	b := NewBinding[greeter]()
	b.Register("a", "owner1", &fixedGreeter{msg: "a"})
	b.Register("b", "owner1", &fixedGreeter{msg: "b"})

	def, ok := b.DefaultRegistration()
	require.True(t, ok)
	inst, err := def.Instance()
	require.NoError(t, err)
	require.Equal(t, "a", inst.Greet())

	b.MarkAsDefault("b")
	inst, err = def.Instance()
	require.NoError(t, err)
	require.Equal(t, "b", inst.Greet())
}

func TestProxyObservesSwap(t *testing.T) {
	b := NewBinding[greeter]()
	b.Register("a", "owner1", &fixedGreeter{msg: "a"})

	def, ok := b.DefaultRegistration()
	require.True(t, ok)
	proxy, err := def.Proxy()
	require.NoError(t, err)

	inst, err := proxy.Call()
	require.NoError(t, err)
	require.Equal(t, "a", inst.Greet())

	b.Register("b", "owner1", &fixedGreeter{msg: "b"})
	b.MarkAsDefault("b")

	inst, err = proxy.Call()
	require.NoError(t, err)
	require.Equal(t, "b", inst.Greet())
}

func TestProxyFailsAfterSwapToConstructor(t *testing.T) {
	b := NewBinding[greeter]()
	b.Register("a", "owner1", &fixedGreeter{msg: "a"})

	def, ok := b.DefaultRegistration()
	require.True(t, ok)
	proxy, err := def.Proxy()
	require.NoError(t, err)

	b.RegisterConstructor("ctor", "owner1", func() greeter { return &fixedGreeter{msg: "fresh"} })
	b.MarkAsDefault("ctor")

	_, err = proxy.Call()
	require.Error(t, err)
	require.True(t, errors.Is(err, clustererr.RegistryAbsent))
}

func TestUnregisterAllByOwner(t *testing.T) {
	b := NewBinding[greeter]()
	b.Register("a", "owner1", &fixedGreeter{msg: "a"})
	b.Register("b", "owner2", &fixedGreeter{msg: "b"})
	b.Register("c", "owner1", &fixedGreeter{msg: "c"})

	b.UnregisterAllByOwner("owner1")

	regs := b.Registrations()
	require.Len(t, regs, 1)
	require.Equal(t, "b", regs[0].Name)
}

func TestDiscoveredRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, DiscoveredRecord{
		ServiceType: "NodeServerProvider",
		ImplType:    "DefaultNodeServerProvider",
		Name:        "default",
		Singleton:   true,
		MarkDefault: true,
	}))

	records, err := ReadRecords(&buf)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "NodeServerProvider", records[0].ServiceType)
	require.True(t, records[0].Singleton)
}
