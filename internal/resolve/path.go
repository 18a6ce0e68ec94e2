package resolve

import "fmt"

// Path locates a field instance in the response tree.
type Path []PathElement

// PathElement is a response key (string) or a list index (int).
type PathElement any

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

func pathToString(path Path) string {
	result := ""
	for i, elem := range path {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				result += "."
			}
			result += v
		case int:
			result += fmt.Sprintf("[%d]", v)
		}
	}
	return result
}
