package domain

// Retail topics consumed from the streaming bus
const (
	TopicInventory    = "retailshift.inventory"
	TopicTransactions = "retailshift.transactions"
	TopicCustomers    = "retailshift.customers"
	TopicEvents       = "retailshift.events"
)

// Topics returns the fixed topic set in subscription order
func Topics() []string {
	return []string{TopicInventory, TopicTransactions, TopicCustomers, TopicEvents}
}

// Category classifies an envelope's subject
type Category string

const (
	CategoryInventory    Category = "inventory"
	CategoryTransactions Category = "transactions"
	CategoryCustomers    Category = "customers"
	CategorySystem       Category = "system"
)

// CategoryOf maps a topic name to its category. Unknown topics are system
// events and are forwarded for display only.
func CategoryOf(topic string) Category {
	switch topic {
	case TopicInventory:
		return CategoryInventory
	case TopicTransactions:
		return CategoryTransactions
	case TopicCustomers:
		return CategoryCustomers
	default:
		return CategorySystem
	}
}

// IsValid reports whether c is a known category
func (c Category) IsValid() bool {
	switch c {
	case CategoryInventory, CategoryTransactions, CategoryCustomers, CategorySystem:
		return true
	default:
		return false
	}
}
