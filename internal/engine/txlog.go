package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Transaction log (reserved encoding)
// ───────────────────────────────────────────────────────────────────────────
//
// A self-describing record format for a transaction layer above the
// WAL. It is not wired into the mutation path; the codec exists so the
// byte format stays pinned down for a future layer. Unlike WAL records,
// row cells here carry their own kind byte, so the log can be decoded
// without the schema file.
//
//   Start      0x00 + txn (uint32 LE)
//   Rollback   0x01 + txn (uint32 LE)
//   Commit     0x02 + txn (uint32 LE)
//   Checkpoint 0x03
//   Insert     0x04 + cell count (uint16 LE) + cells
//   Delete     0x05 + cell count (uint16 LE) + cells
//
// Each cell is a kind byte followed by the cell encoding of that kind.

// TxOp identifies a transaction log record.
type TxOp uint8

const (
	TxStart TxOp = iota
	TxRollback
	TxCommit
	TxCheckpoint
	TxInsert
	TxDelete
)

func (op TxOp) String() string {
	switch op {
	case TxStart:
		return "start"
	case TxRollback:
		return "rollback"
	case TxCommit:
		return "commit"
	case TxCheckpoint:
		return "checkpoint"
	case TxInsert:
		return "insert"
	case TxDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(op))
	}
}

// TxCell is one self-describing cell of a transaction row.
type TxCell struct {
	Kind  Kind
	Value any
}

// TxRecord is one transaction log record. Txn is set for Start,
// Rollback, and Commit; Cells for Insert and Delete.
type TxRecord struct {
	Op    TxOp
	Txn   uint32
	Cells []TxCell
}

// EncodeTxRecord serializes one record.
func EncodeTxRecord(r TxRecord) ([]byte, error) {
	buf := []byte{byte(r.Op)}
	switch r.Op {
	case TxStart, TxRollback, TxCommit:
		return binary.LittleEndian.AppendUint32(buf, r.Txn), nil
	case TxCheckpoint:
		return buf, nil
	case TxInsert, TxDelete:
		if len(r.Cells) > 0xFFFF {
			return nil, fmt.Errorf("transaction row of %d cells exceeds count prefix", len(r.Cells))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Cells)))
		var err error
		for i, c := range r.Cells {
			buf = append(buf, byte(c.Kind))
			buf, err = appendCell(buf, c.Kind, c.Value)
			if err != nil {
				return nil, fmt.Errorf("transaction cell %d: %w", i, err)
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("invalid transaction op 0x%02x", uint8(r.Op))
}

// DecodeTxRecord parses one record from the front of buf and returns
// the bytes consumed.
func DecodeTxRecord(buf []byte) (TxRecord, int, error) {
	if len(buf) == 0 {
		return TxRecord{}, 0, errShortBuffer
	}
	op := TxOp(buf[0])
	switch op {
	case TxStart, TxRollback, TxCommit:
		if len(buf) < 5 {
			return TxRecord{}, 0, errShortBuffer
		}
		return TxRecord{Op: op, Txn: binary.LittleEndian.Uint32(buf[1:5])}, 5, nil
	case TxCheckpoint:
		return TxRecord{Op: op}, 1, nil
	case TxInsert, TxDelete:
		if len(buf) < 3 {
			return TxRecord{}, 0, errShortBuffer
		}
		count := int(binary.LittleEndian.Uint16(buf[1:3]))
		cells := make([]TxCell, 0, count)
		off := 3
		for i := 0; i < count; i++ {
			if len(buf[off:]) < 1 {
				return TxRecord{}, 0, errShortBuffer
			}
			k, err := KindFromByte(buf[off])
			if err != nil {
				return TxRecord{}, 0, fmt.Errorf("transaction cell %d: %w", i, err)
			}
			off++
			v, n, err := decodeCell(buf[off:], k)
			if err != nil {
				return TxRecord{}, 0, fmt.Errorf("transaction cell %d: %w", i, err)
			}
			cells = append(cells, TxCell{Kind: k, Value: v})
			off += n
		}
		return TxRecord{Op: op, Cells: cells}, off, nil
	}
	return TxRecord{}, 0, fmt.Errorf("invalid transaction op 0x%02x", uint8(op))
}

// DecodeTxLog parses a whole transaction log image. A truncated
// trailing record stops decoding cleanly, mirroring the WAL reader.
func DecodeTxLog(buf []byte) ([]TxRecord, error) {
	var recs []TxRecord
	off := 0
	for off < len(buf) {
		r, n, err := DecodeTxRecord(buf[off:])
		if errors.Is(err, errShortBuffer) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("transaction record at offset %d: %w", off, err)
		}
		recs = append(recs, r)
		off += n
	}
	return recs, nil
}
