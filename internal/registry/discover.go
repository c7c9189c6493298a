package registry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DiscoveredRecord is one compile-time-emitted auto-service mapping record,
// grounded on original_source/driver/api/.../registry/AutoService.java and
// ServiceRegistryHolder.java: "autoservices/<random>.bin" files are binary,
// repeated records terminated by EOF.
type DiscoveredRecord struct {
	Version     byte
	ServiceType string
	ImplType    string
	Name        string
	Singleton   bool
	MarkDefault bool
}

const recordVersion = 0x01

// WriteRecord appends one record to w in the on-disk format:
// [byte version][utf8 serviceType][utf8 implType][utf8 name][bool singleton][bool markAsDefault].
func WriteRecord(w io.Writer, r DiscoveredRecord) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(recordVersion); err != nil {
		return err
	}
	for _, s := range []string{r.ServiceType, r.ImplType, r.Name} {
		if err := writeUTF8(bw, s); err != nil {
			return err
		}
	}
	if err := bw.WriteByte(boolByte(r.Singleton)); err != nil {
		return err
	}
	if err := bw.WriteByte(boolByte(r.MarkDefault)); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadRecords decodes every record in r until EOF.
func ReadRecords(r io.Reader) ([]DiscoveredRecord, error) {
	br := bufio.NewReader(r)
	var out []DiscoveredRecord
	for {
		version, err := br.ReadByte()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if version != recordVersion {
			return out, fmt.Errorf("registry: unsupported autoservice record version %d", version)
		}
		serviceType, err := readUTF8(br)
		if err != nil {
			return out, err
		}
		implType, err := readUTF8(br)
		if err != nil {
			return out, err
		}
		name, err := readUTF8(br)
		if err != nil {
			return out, err
		}
		singleton, err := br.ReadByte()
		if err != nil {
			return out, err
		}
		markDefault, err := br.ReadByte()
		if err != nil {
			return out, err
		}
		out = append(out, DiscoveredRecord{
			Version:     version,
			ServiceType: serviceType,
			ImplType:    implType,
			Name:        name,
			Singleton:   singleton != 0,
			MarkDefault: markDefault != 0,
		})
	}
}

func writeUTF8(w *bufio.Writer, s string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readUTF8(r *bufio.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
