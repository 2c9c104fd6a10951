package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/snappy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Backup archives the three files of a database instance into one
// snappy-compressed container. Taking a backup while another handle is
// mutating the database is not supported; the engine is single-process.
//
// Container layout:
//
//	magic "PDBAK" + format version byte (1)
//	per file: name length (uint16 LE) + name +
//	          compressed length (uint32 LE) + snappy block
const backupMagic = "PDBAK\x01"

// dbFiles returns the file trio of the database at base path, in a
// stable order. Missing files are skipped.
func dbFiles(base string) []string {
	var out []string
	for _, suffix := range []string{".1.db", ".1.wal", ".1.schema"} {
		p := base + suffix
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func newBackupCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup [database]",
		Short: "archive the database files into one compressed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "pagedb"
			if len(args) > 0 {
				base = args[0]
			}
			files := dbFiles(base)
			if len(files) == 0 {
				return fmt.Errorf("no database files found at %s", base)
			}
			if out == "" {
				out = base + ".backup"
			}
			if err := writeBackup(out, files); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"files": len(files), "archive": out}).Info("backup written")
			fmt.Printf("archived %d files to %s\n", len(files), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "archive path (default {database}.backup)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "restore database files from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := readBackup(args[0], dir)
			if err != nil {
				return err
			}
			fmt.Printf("restored %d files to %s\n", len(names), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to restore into")
	return cmd
}

func writeBackup(out string, files []string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(backupMagic)); err != nil {
		return err
	}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		name := filepath.Base(path)
		compressed := snappy.Encode(nil, raw)

		hdr := binary.LittleEndian.AppendUint16(nil, uint16(len(name)))
		hdr = append(hdr, name...)
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(compressed)))
		if _, err := f.Write(hdr); err != nil {
			return err
		}
		if _, err := f.Write(compressed); err != nil {
			return err
		}
	}
	return f.Close()
}

func readBackup(archive, dir string) ([]string, error) {
	buf, err := os.ReadFile(archive)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if len(buf) < len(backupMagic) || string(buf[:len(backupMagic)]) != backupMagic {
		return nil, errors.New("not a pagedb backup archive")
	}
	buf = buf[len(backupMagic):]

	var names []string
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, io.ErrUnexpectedEOF
		}
		nameLen := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < nameLen+4 {
			return nil, io.ErrUnexpectedEOF
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		compLen := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < compLen {
			return nil, io.ErrUnexpectedEOF
		}
		raw, err := snappy.Decode(nil, buf[:compLen])
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", name, err)
		}
		buf = buf[compLen:]

		// Names come from the archive; keep the restore inside dir.
		target := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(target, raw, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", target, err)
		}
		names = append(names, name)
	}
	return names, nil
}
