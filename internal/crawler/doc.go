// Package crawler holds the domain types, collaborator interfaces and error
// taxonomy shared by the harvest, store, analysis and export packages.
package crawler
