// Package web3 houses the chain facade used by the bootstrap pipeline: the
// Client abstraction over a JSON-RPC endpoint, signing identities, exact
// native-currency unit conversion, minimal ERC-721 and delegation hub
// bindings, transaction submission with an audit trail, and the single-writer
// nonce sequence guarding the owner identity.
package web3
