// Package opportunity defines the canonical record shapes, the collaborator
// interfaces, and the error taxonomy shared by the ingestion pipeline.
package opportunity
