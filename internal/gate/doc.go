// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gate is the dispatch engine between the storage side, which submits
// block operations, and the worker processes, which perform them. It keeps
// the registered devices, the queue of submitted operations of every device,
// the table of operations handed to a worker and not yet completed, and moves
// the payload across in the right direction: write payload travels to the
// worker with the fetched operation, read payload travels back with the
// completion.
//
// The package is organized around three types. Registry owns all devices and
// checks ownership on every access. Device holds the incoming queue and the
// in flight table of one device behind its own lock. Dispatcher interprets
// control envelopes on behalf of a caller identity and is the only entry
// point used by the control channel.
package gate
