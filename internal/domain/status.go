package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusNew                      OrderStatus = "NEW"
	OrderStatusPartial                  OrderStatus = "PARTIAL"
	OrderStatusFilled                   OrderStatus = "FILLED"
	OrderStatusCanceled                 OrderStatus = "CANCELED"
	OrderStatusPartiallyFilledAndClosed OrderStatus = "PARTIALLY_FILLED_AND_CLOSED"
)

// Terminal reports whether no further fill or cancel is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusPartiallyFilledAndClosed:
		return true
	}
	return false
}

// Open reports whether the order can still trade or be canceled.
func (s OrderStatus) Open() bool {
	return s == OrderStatusNew || s == OrderStatusPartial
}

// OrderEvent is an input to the order state machine.
type OrderEvent int

const (
	// EventFill is a fill that leaves part of the target unfilled.
	EventFill OrderEvent = iota
	// EventFillComplete is a fill that reaches the order's target.
	EventFillComplete
	// EventCancel closes the order without further fills.
	EventCancel
)

func (e OrderEvent) String() string {
	switch e {
	case EventFill:
		return "fill"
	case EventFillComplete:
		return "fill_complete"
	case EventCancel:
		return "cancel"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From  OrderStatus
	Event OrderEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order transition: %s on %s", e.Event, e.From)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidStateTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// Transition is the order state machine. It is pure: it only computes the next
// status for an event or reports why the event is not allowed.
func Transition(from OrderStatus, ev OrderEvent) (OrderStatus, error) {
	switch from {
	case OrderStatusNew:
		switch ev {
		case EventFill:
			return OrderStatusPartial, nil
		case EventFillComplete:
			return OrderStatusFilled, nil
		case EventCancel:
			return OrderStatusCanceled, nil
		}
	case OrderStatusPartial:
		switch ev {
		case EventFill:
			return OrderStatusPartial, nil
		case EventFillComplete:
			return OrderStatusFilled, nil
		case EventCancel:
			return OrderStatusPartiallyFilledAndClosed, nil
		}
	}
	return from, &TransitionError{From: from, Event: ev}
}

// ApplyFill records a fill on the order and advances its status.
func (o *Order) ApplyFill(qty, quote decimal.Decimal) error {
	if o.Status.Terminal() {
		return &TransitionError{From: o.Status, Event: EventFill}
	}
	if err := o.AddFill(qty, quote); err != nil {
		return err
	}
	ev := EventFill
	if o.IsFullyFilled() {
		ev = EventFillComplete
	}
	next, err := Transition(o.Status, ev)
	if err != nil {
		return err
	}
	o.Status = next
	return nil
}

// ApplyCancel closes the order.
func (o *Order) ApplyCancel() error {
	next, err := Transition(o.Status, EventCancel)
	if err != nil {
		return err
	}
	o.Status = next
	return nil
}
