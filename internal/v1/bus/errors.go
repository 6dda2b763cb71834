package bus

import "errors"

// ErrNamespaceNotFound is returned by Subscribe when the target namespace
// has not been created or was already destroyed.
var ErrNamespaceNotFound = errors.New("bus: namespace not found")
