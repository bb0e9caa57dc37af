// Package domain defines the content-module data model shared by the
// ingestion pipeline and the persistence layer: modules, entities, typed
// property rows, campaign bindings, and the error taxonomy.
package domain
