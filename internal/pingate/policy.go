package pingate

import (
	"strings"
	"unicode/utf8"
)

const (
	PinLength                 = 4
	MinSecurityAnswerLength   = 3
	MaxSecurityAnswerLength   = 100
	MinSecurityQuestionLength = 10
	MaxSecurityQuestionLength = 200
)

// PinPolicy holds the static input rules. The zero value applies the
// built-in sequence deny-list only.
type PinPolicy struct {
	DenyList []string
}

func (p PinPolicy) ValidateFormat(pin string) error {
	if len(pin) != PinLength {
		return &FormatError{Field: "pin", Reason: "PIN must be exactly 4 digits"}
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return &FormatError{Field: "pin", Reason: "PIN must contain only digits"}
		}
	}
	if strings.Count(pin, pin[:1]) == len(pin) {
		return &FormatError{Field: "pin", Reason: "PIN cannot repeat a single digit"}
	}
	if isDigitRun(pin) {
		return &FormatError{Field: "pin", Reason: "PIN cannot be a simple sequence"}
	}
	for _, denied := range p.DenyList {
		if pin == denied {
			return &FormatError{Field: "pin", Reason: "PIN is too easy to guess"}
		}
	}
	return nil
}

// isDigitRun matches ascending or descending runs, wrapping 9->0, so 1234,
// 7890, 9012, 4321 and 0987 are all rejected.
func isDigitRun(pin string) bool {
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		prev, cur := int(pin[i-1]-'0'), int(pin[i]-'0')
		if (prev+1)%10 != cur {
			ascending = false
		}
		if (prev+9)%10 != cur {
			descending = false
		}
	}
	return ascending || descending
}

func (p PinPolicy) ValidateSecurityQuestion(question string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(question))
	if n < MinSecurityQuestionLength {
		return &FormatError{Field: "security_question", Reason: "security question must be at least 10 characters"}
	}
	if n > MaxSecurityQuestionLength {
		return &FormatError{Field: "security_question", Reason: "security question must be at most 200 characters"}
	}
	return nil
}

func (p PinPolicy) ValidateSecurityAnswer(answer string) error {
	n := utf8.RuneCountInString(NormalizeAnswer(answer))
	if n == 0 {
		return &FormatError{Field: "security_answer", Reason: "security answer is required"}
	}
	if n < MinSecurityAnswerLength {
		return &FormatError{Field: "security_answer", Reason: "security answer must be at least 3 characters"}
	}
	if n > MaxSecurityAnswerLength {
		return &FormatError{Field: "security_answer", Reason: "security answer must be at most 100 characters"}
	}
	return nil
}

// NormalizeAnswer is applied before hashing and before comparing, so
// "  Rex " and "rex" match.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
