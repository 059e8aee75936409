// Package api defines the public contracts of the sagaflow engine: the
// step-tree workflow model, position addressing, snapshots, wait
// conditions, and the collaborator interfaces (transport, observer)
// the interpreter depends on.
//
// Application code normally imports the root sagaflow package, which
// re-exports everything here.
package api
