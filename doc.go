// Package dtn holds the types and collaborator interfaces shared by every
// component of the DTN store-and-forward node: endpoint identifiers,
// segment and bundle descriptors, and the small set of interfaces
// (Masker, Scheduler, Outduct, Induct, Observer) that the core is wired
// against but does not itself implement in full.
package dtn
