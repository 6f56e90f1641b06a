package parser

import (
	"fmt"
	"strconv"
	"strings"
)

type GetRequest struct {
	Scope string
	Key   string
}

type PutRequest struct {
	Scope string
	Key   string
	Value string
}

type JoinRequest struct {
	NodeID  string
	Address string
	Slots   int
}

type LeaveRequest struct {
	NodeID string
}

type AbortRequest struct {
	TaskID string
}

type StatusRequest struct{}

func parseQuery(query string) []string {
	query = strings.TrimSpace(query)

	tokens := []string{}
	currentToken := ""
	inQuotes := false
	quoteChar := rune(0)
	escape := false

	for _, char := range query {
		switch {
		case (char == '"' || char == '\'') && !escape:
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				tokens = append(tokens, currentToken)
				currentToken = ""
				inQuotes = false
				quoteChar = rune(0)
			} else {
				currentToken += string(char)
			}
		case char == ' ':
			if inQuotes {
				currentToken += string(char)
			} else if currentToken != "" {
				tokens = append(tokens, currentToken)
				currentToken = ""
			}
			escape = false
		case char == '\\' && !escape:
			escape = true
		default:
			currentToken += string(char)
			escape = false
		}
	}

	if currentToken != "" {
		tokens = append(tokens, currentToken)
	}

	return tokens
}

func Parse(query string) (interface{}, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	tokens := parseQuery(query)

	if len(tokens) < 1 {
		return nil, fmt.Errorf("invalid query")
	}

	switch strings.ToUpper(tokens[0]) {
	case "GET":
		if len(tokens) != 3 {
			return nil, fmt.Errorf("GET requires exactly 2 arguments (scope and key)")
		}
		return GetRequest{Scope: tokens[1], Key: tokens[2]}, nil

	case "PUT":
		if len(tokens) != 4 {
			return nil, fmt.Errorf("PUT requires exactly 3 arguments (scope, key and value)")
		}
		return PutRequest{Scope: tokens[1], Key: tokens[2], Value: tokens[3]}, nil

	case "JOIN":
		if len(tokens) != 3 && len(tokens) != 4 {
			return nil, fmt.Errorf("JOIN requires 2 or 3 arguments (node id, address and optional slots)")
		}
		req := JoinRequest{NodeID: tokens[1], Address: tokens[2]}
		if len(tokens) == 4 {
			slots, err := strconv.Atoi(tokens[3])
			if err != nil {
				return nil, fmt.Errorf("JOIN slots must be a number: %v", err)
			}
			req.Slots = slots
		}
		return req, nil

	case "LEAVE":
		if len(tokens) != 2 {
			return nil, fmt.Errorf("LEAVE requires exactly 1 argument (node id)")
		}
		return LeaveRequest{NodeID: tokens[1]}, nil

	case "ABORT":
		if len(tokens) != 2 {
			return nil, fmt.Errorf("ABORT requires exactly 1 argument (task id)")
		}
		return AbortRequest{TaskID: tokens[1]}, nil

	case "STATUS":
		if len(tokens) != 1 {
			return nil, fmt.Errorf("STATUS takes no arguments")
		}
		return StatusRequest{}, nil

	default:
		return nil, fmt.Errorf("unknown query type: %s", tokens[0])
	}
}
