// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

// Null backend of a worker. Reads return zeros and writes are discarded. Useful
// for measuring the raw overhead of the daemon and the control channel,
// otherwise useless. It can also serve as a template for a new backend since
// it is the smallest implementation of worker.ReadWriter.
type Null struct {
}

func New() *Null {
	return &Null{}
}

func (n *Null) ReadAt(p []byte, off int64) error {
	for i := range p {
		p[i] = 0
	}

	return nil
}

func (n *Null) WriteAt(p []byte, off int64) error {
	return nil
}
