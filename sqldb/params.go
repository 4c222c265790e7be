package sqldb

// parameterNames returns the 1-based binding index of each named parameter
// ("?NNN", ":name", "@name" or "$name") of the first statement of |query|.
// Indexes are assigned as the engine assigns them: an anonymous "?" takes
// one more than the largest index so far, "?NNN" takes NNN, and a name takes
// its existing index or else one more than the largest.
func parameterNames(query string) map[string]int {
	var names = make(map[string]int)
	var top int

	var next = func(name string) {
		if _, ok := names[name]; !ok {
			top++
			names[name] = top
		}
	}

	for i := 0; i < len(query); i++ {
		switch c := query[i]; c {
		case '\'', '"', '`':
			i = skipPast(query, i+1, string(c))
		case '[':
			i = skipPast(query, i+1, "]")
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				i = skipPast(query, i+2, "\n")
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				i = skipPast(query, i+2, "*/")
			}
		case ';':
			return names
		case '?':
			var j = i + 1
			var n int
			for ; j < len(query) && isDigit(query[j]); j++ {
				n = n*10 + int(query[j]-'0')
			}
			if j == i+1 {
				top++ // Anonymous.
			} else {
				names[query[i:j]] = n
				if n > top {
					top = n
				}
			}
			i = j - 1
		case ':', '@', '$':
			var j = i + 1
			for ; j < len(query) && isIdent(query[j]); j++ {
			}
			if j != i+1 {
				next(query[i:j])
			}
			i = j - 1
		}
	}
	return names
}

// skipPast returns the index of the last byte of the first |term| in
// |query| at or after |from|, or the index of the final byte if there is none.
func skipPast(query string, from int, term string) int {
	for i := from; i+len(term) <= len(query); i++ {
		if query[i:i+len(term)] == term {
			return i + len(term) - 1
		}
	}
	return len(query) - 1
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdent(c byte) bool {
	return isDigit(c) || c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
