package core

import "errors"

var (
	// ErrInvalidCredentials indicates a signed call was attempted without usable keys.
	// The call is aborted before it reaches the transport.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAuthentication indicates the venue refused the signature, key or timestamp.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTransient indicates a transport failure that the next poll may recover from.
	ErrTransient = errors.New("transient venue error")
	// ErrServerOverloaded indicates the venue answered 503; a create call may still have landed.
	ErrServerOverloaded = errors.New("venue overloaded")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderFailed is returned to the caller when an order could not be placed.
	ErrOrderFailed = errors.New("order failed")
	// ErrDecode indicates a venue payload could not be parsed.
	ErrDecode = errors.New("decode venue payload")
)
