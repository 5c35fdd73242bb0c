package adc

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/brunnen/internal/config"
)

func TestSysfs_ReadRaw(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in_voltage3_raw"), []byte("2048\n"), 0644))

	s := NewSysfs(dir)
	v, err := s.ReadRaw(3)
	require.NoError(t, err)
	assert.Equal(t, uint16(2048), v)
	assert.NoError(t, s.Close())
}

func TestSysfs_MissingChannel(t *testing.T) {
	s := NewSysfs(t.TempDir())
	_, err := s.ReadRaw(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "error should wrap os.ErrNotExist: %v", err)
}

func TestSysfs_Garbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in_voltage0_raw"), []byte("n/a"), 0644))

	_, err := NewSysfs(dir).ReadRaw(0)
	assert.ErrorContains(t, err, "parse")
}

type fakeRegisters struct {
	data    []byte
	err     error
	address uint16
	qty     uint16
}

func (f *fakeRegisters) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.address, f.qty = address, quantity
	return f.data, f.err
}

func TestModbus_ReadRaw(t *testing.T) {
	regs := &fakeRegisters{data: []byte{0x08, 0x00}}
	m := &Modbus{client: regs}

	v, err := m.ReadRaw(30)
	require.NoError(t, err)
	assert.Equal(t, uint16(2048), v)
	assert.Equal(t, uint16(30), regs.address)
	assert.Equal(t, uint16(1), regs.qty)
	assert.NoError(t, m.Close())
}

func TestModbus_Errors(t *testing.T) {
	_, err := (&Modbus{client: &fakeRegisters{data: []byte{0x01}}}).ReadRaw(0)
	assert.ErrorContains(t, err, "short response")

	_, err = (&Modbus{client: &fakeRegisters{err: errors.New("exception 2")}}).ReadRaw(0)
	assert.ErrorContains(t, err, "exception 2")
}

func TestNewModbus_BadEndpoint(t *testing.T) {
	_, err := NewModbus(config.ModbusConfig{})
	assert.ErrorContains(t, err, "endpoint required")

	_, err = NewModbus(config.ModbusConfig{Endpoint: "udp://host:502"})
	assert.ErrorContains(t, err, "unsupported scheme")
}

// fakePort answers every request with the next canned line.
type fakePort struct {
	requests bytes.Buffer
	replies  *strings.Reader
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.replies.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.requests.Write(b) }
func (p *fakePort) Close() error                { p.closed = true; return nil }

func TestSerial_ReadRaw(t *testing.T) {
	port := &fakePort{replies: strings.NewReader("1234\r\n4095\n")}
	s := newSerial(port)

	v, err := s.ReadRaw(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), v)

	v, err = s.ReadRaw(2)
	require.NoError(t, err)
	assert.Equal(t, uint16(4095), v)

	assert.Equal(t, "R0\nR2\n", port.requests.String())

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
}

func TestSerial_Errors(t *testing.T) {
	_, err := newSerial(&fakePort{replies: strings.NewReader("oops\n")}).ReadRaw(0)
	assert.ErrorContains(t, err, "parse reply")

	_, err = newSerial(&fakePort{replies: strings.NewReader("")}).ReadRaw(0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSim_Cycles(t *testing.T) {
	s := NewSim(1, 2, 3)
	var got []uint16
	for i := 0; i < 5; i++ {
		v, err := s.ReadRaw(0)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []uint16{1, 2, 3, 1, 2}, got)

	v, err := NewSim().ReadRaw(0)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestOpen(t *testing.T) {
	r, err := Open(config.SensorConfig{Backend: config.BackendSim, Sim: config.SimConfig{Values: []uint16{7}}})
	require.NoError(t, err)
	v, err := r.ReadRaw(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v)

	r, err = Open(config.SensorConfig{Backend: config.BackendSysfs, Sysfs: config.SysfsConfig{Device: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &Sysfs{}, r)

	_, err = Open(config.SensorConfig{Backend: "gpio"})
	assert.ErrorContains(t, err, "unknown adc backend")
}
