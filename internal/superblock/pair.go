package superblock

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"nilfstools/internal/device"
)

var (
	ErrInvalidFS    = errors.New("invalid filesystem: no usable super block")
	ErrPartialWrite = errors.New("only one super block copy was written")
)

// Mask selects the fields Write overlays onto the on-disk copies.
type Mask uint

const (
	MaskLabel Mask = 1 << iota
	MaskCommitInterval
	MaskBlockMax
	MaskUUID
	MaskFeatures
)

// ReadPair reads both superblock slots. Each returned copy is non-nil
// iff its magic and declared length check out; for the second copy its
// offset must also not fall inside the declared segment area. The CRC
// is deliberately not enforced here.
func ReadPair(dev *device.Device) (sb1, sb2 *SuperBlock, offsets [2]uint64, err error) {
	devSize, err := dev.Size()
	if err != nil {
		return nil, nil, offsets, err
	}
	offsets[0] = PrimaryOffset
	offsets[1] = SecondaryOffset(devSize)

	buf := make([]byte, MaxBytes)
	if err := dev.ReadExactAt(buf, int64(offsets[0])); err == nil {
		if sb := Decode(buf); sb.IsValid(false) {
			sb1 = sb
		}
	}
	if err := dev.ReadExactAt(buf, int64(offsets[1])); err == nil {
		if sb := Decode(buf); sb.IsValid(false) && offsets[1] >= sb.VolumeBytes() {
			sb2 = sb
		}
	}
	if sb1 == nil && sb2 == nil {
		return nil, nil, offsets, ErrInvalidFS
	}
	return sb1, sb2, offsets, nil
}

// ReadLatest returns the fresher of the two copies: the one with the
// greater last_cno when both are readable, otherwise whichever exists.
func ReadLatest(dev *device.Device) (*SuperBlock, error) {
	sb1, sb2, _, err := ReadPair(dev)
	if err != nil {
		return nil, err
	}
	if sb1 == nil {
		return sb2, nil
	}
	if sb2 != nil && sb2.LastCno > sb1.LastCno {
		return sb2, nil
	}
	return sb1, nil
}

// Write overlays the fields selected by mask from sb onto each copy
// that is still valid on disk, recomputes its CRC over the declared
// length, and writes the full slot back. A copy that failed validation
// on read is left untouched.
func Write(dev *device.Device, sb *SuperBlock, mask Mask) error {
	return writePair(dev, func(target *SuperBlock) {
		if mask&MaskLabel != 0 {
			target.VolumeName = sb.VolumeName
		}
		if mask&MaskCommitInterval != 0 {
			target.CInterval = sb.CInterval
		}
		if mask&MaskBlockMax != 0 {
			target.CBlockMax = sb.CBlockMax
		}
		if mask&MaskUUID != 0 {
			target.UUID = sb.UUID
		}
		if mask&MaskFeatures != 0 {
			target.FeatureCompat = sb.FeatureCompat
			target.FeatureCompatRO = sb.FeatureCompatRO
			target.FeatureIncompat = sb.FeatureIncompat
		}
	})
}

// CommitRollback points both copies at the chosen log and marks the
// filesystem as needing recovery on the next mount: last_pseg,
// last_seq and last_cno are replaced, wtime is stamped, and the
// valid-FS state bit is cleared before the CRC is refreshed.
func CommitRollback(dev *device.Device, blocknr, seq, cno, wtime uint64) error {
	err := writePair(dev, func(target *SuperBlock) {
		target.LastPseg = blocknr
		target.LastSeq = seq
		target.LastCno = cno
		target.WTime = wtime
		target.State &^= StateValidFS
	})
	if err != nil {
		return err
	}
	return dev.Sync()
}

func writePair(dev *device.Device, update func(*SuperBlock)) error {
	sb1, sb2, offsets, err := ReadPair(dev)
	if err != nil {
		return err
	}

	copies := [2]*SuperBlock{sb1, sb2}
	written, failed := 0, 0
	for i, target := range copies {
		if target == nil {
			continue
		}
		update(target)
		target.UpdateSum()
		if err := dev.WriteExactAt(target.Encode(), int64(offsets[i])); err != nil {
			log.WithFields(log.Fields{
				"copy":   i,
				"offset": offsets[i],
			}).Errorf("failed to write super block: %v", err)
			failed++
			continue
		}
		written++
	}

	switch {
	case written == 0:
		return fmt.Errorf("could not update any super block copy (device=%s)",
			dev.Path())
	case failed > 0:
		return ErrPartialWrite
	}
	return nil
}
