package rules

// Names of the built-in decorators
const (
	DecoratorSomeFact   = "someFact"
	DecoratorEveryFact  = "everyFact"
	DecoratorSomeValue  = "someValue"
	DecoratorEveryValue = "everyValue"
	DecoratorSwap       = "swap"
	DecoratorNot        = "not"
)

func defaultDecorators() []*Decorator {
	return []*Decorator{
		mustDecorator(DecoratorSomeFact, func(factValue, compareValue any, next Predicate) bool {
			items, _ := toSlice(factValue)
			for _, item := range items {
				if next(item, compareValue) {
					return true
				}
			}
			return false
		}, isArray),
		mustDecorator(DecoratorEveryFact, func(factValue, compareValue any, next Predicate) bool {
			items, _ := toSlice(factValue)
			for _, item := range items {
				if !next(item, compareValue) {
					return false
				}
			}
			return true
		}, isArray),
		mustDecorator(DecoratorSomeValue, func(factValue, compareValue any, next Predicate) bool {
			items, ok := toSlice(compareValue)
			if !ok {
				return false
			}
			for _, item := range items {
				if next(factValue, item) {
					return true
				}
			}
			return false
		}, nil),
		mustDecorator(DecoratorEveryValue, func(factValue, compareValue any, next Predicate) bool {
			items, ok := toSlice(compareValue)
			if !ok {
				return false
			}
			for _, item := range items {
				if !next(factValue, item) {
					return false
				}
			}
			return true
		}, nil),
		mustDecorator(DecoratorSwap, func(factValue, compareValue any, next Predicate) bool {
			return next(compareValue, factValue)
		}, nil),
		mustDecorator(DecoratorNot, func(factValue, compareValue any, next Predicate) bool {
			return !next(factValue, compareValue)
		}, nil),
	}
}

func mustDecorator(name string, callback DecoratorFunc, validator Validator) *Decorator {
	d, err := NewDecorator(name, callback, validator)
	if err != nil {
		panic(err)
	}
	return d
}
