package cmd

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/backup"
	"restorable.io/cluster-restore/internal/crypto"
	"restorable.io/cluster-restore/internal/restore"
)

// openedParts is a decoded backup and the streams it reads from.
type openedParts struct {
	input   restore.Input
	closers []io.Closer
}

func (p *openedParts) Close() error {
	var err error
	for _, c := range p.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// openParts opens, decrypts and decodes the metadata of every part of the
// backup, checking that they all belong to the same backup.
func openParts(ctx context.Context, src backup.BackupSource, dec *crypto.AgeDecryptor) (*openedParts, error) {
	parts, err := src.Parts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup parts: %w", err)
	}
	opened := &openedParts{}
	for _, p := range parts {
		if err := opened.add(ctx, p, dec); err != nil {
			opened.Close()
			return nil, err
		}
	}
	return opened, nil
}

func (o *openedParts) add(ctx context.Context, p backup.Part, dec *crypto.AgeDecryptor) error {
	rc, err := p.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire part %s: %w", p.Name, err)
	}
	o.closers = append(o.closers, rc)

	stream, err := dec.Wrap(rc)
	if err != nil {
		return fmt.Errorf("failed to decrypt part %s: %w", p.Name, err)
	}
	d := artifact.NewDecoder(stream)
	meta, err := d.ReadMeta()
	if err != nil {
		return fmt.Errorf("failed to read part %s: %w", p.Name, err)
	}
	if o.input.Meta == nil {
		o.input.Meta = meta
	} else if err := o.input.Meta.SameBackup(meta); err != nil {
		return fmt.Errorf("part %s: %w", p.Name, err)
	}
	o.input.Parts = append(o.input.Parts, restore.Part{Name: p.Name, Tuples: d, Log: d})
	return nil
}
