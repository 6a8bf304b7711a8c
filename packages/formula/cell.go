package formula

import (
	"fmt"
	"strings"
)

// Primitive represents the values flowing through the engine.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty/blank cells
//   - *FormulaError: error values (#DIV/0!, #VALUE!, etc.)
//   - *ArrayValue: two dimensional results
//   - *ReferenceValue: a lazily read cell or range
//   - *LambdaValue: closure produced by LAMBDA
type Primitive any

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeNull  ErrorCode = 1  // #NULL! - no cells in common between ranges
	ErrorCodeDiv0  ErrorCode = 2  // #DIV/0! - division by zero
	ErrorCodeValue ErrorCode = 3  // #VALUE! - wrong type of argument or operand
	ErrorCodeRef   ErrorCode = 4  // #REF! - invalid cell reference
	ErrorCodeName  ErrorCode = 5  // #NAME? - unrecognized function or name
	ErrorCodeNum   ErrorCode = 6  // #NUM! - number too large or small to be represented
	ErrorCodeNA    ErrorCode = 7  // #N/A - value not available
	ErrorCodeOther ErrorCode = 8  // #ERROR! - all other errors
	ErrorCodeSpill ErrorCode = 9  // #SPILL! - array result blocked by existing data
	ErrorCodeCalc  ErrorCode = 10 // #CALC! - result cannot be placed in a cell
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:  "#NULL!",
	ErrorCodeDiv0:  "#DIV/0!",
	ErrorCodeValue: "#VALUE!",
	ErrorCodeRef:   "#REF!",
	ErrorCodeName:  "#NAME?",
	ErrorCodeNum:   "#NUM!",
	ErrorCodeNA:    "#N/A",
	ErrorCodeOther: "#ERROR!",
	ErrorCodeSpill: "#SPILL!",
	ErrorCodeCalc:  "#CALC!",
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ParseErrorLiteral maps literal error text such as "#N/A" back to its code.
func ParseErrorLiteral(text string) (ErrorCode, bool) {
	upper := strings.ToUpper(text)
	for code, literal := range ErrorMapper {
		if literal == upper {
			return code, true
		}
	}
	return 0, false
}

// FormulaError is an error value. it is never raised as a Go error during
// evaluation, it flows through formulas like any other value.
type FormulaError struct {
	Code    ErrorCode
	Message string
}

func (e *FormulaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.String()
}

// NewFormulaError creates an error value. an empty message falls back to the
// literal form of the code.
func NewFormulaError(code ErrorCode, message string) *FormulaError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &FormulaError{
		Code:    code,
		Message: message,
	}
}

// checkForError returns the error if value is a *FormulaError, nil otherwise
func checkForError(value Primitive) *FormulaError {
	if err, ok := value.(*FormulaError); ok {
		return err
	}
	return nil
}

// CellType represents numeric constants for cell value types
type CellType uint8

const (
	CellValueTypeEmpty   CellType = 0
	CellValueTypeNumber  CellType = 1
	CellValueTypeString  CellType = 2
	CellValueTypeBoolean CellType = 4
	CellValueTypeError   CellType = 5
	CellValueTypeArray   CellType = 6
	CellValueTypeLambda  CellType = 7
)

// TypeOf reports the cell type of a value. references report the type they
// would have once read.
func TypeOf(value Primitive) CellType {
	switch value.(type) {
	case nil:
		return CellValueTypeEmpty
	case float64, int, int64:
		return CellValueTypeNumber
	case string:
		return CellValueTypeString
	case bool:
		return CellValueTypeBoolean
	case *FormulaError:
		return CellValueTypeError
	case *ArrayValue, *ReferenceValue:
		return CellValueTypeArray
	case *LambdaValue:
		return CellValueTypeLambda
	default:
		return CellValueTypeEmpty
	}
}

// CellKey locates one cell of one sheet of one unit (workbook).
type CellKey struct {
	UnitID  string
	SheetID string
	Row     int
	Column  int
}

func (k CellKey) String() string {
	return fmt.Sprintf("%s/%s!%s", k.UnitID, k.SheetID, CellName(k.Row, k.Column))
}

// Less orders keys by unit, sheet, row and column.
func (k CellKey) Less(other CellKey) bool {
	if k.UnitID != other.UnitID {
		return k.UnitID < other.UnitID
	}
	if k.SheetID != other.SheetID {
		return k.SheetID < other.SheetID
	}
	if k.Row != other.Row {
		return k.Row < other.Row
	}
	return k.Column < other.Column
}

// FormatValue renders a value the way a cell would display it.
func FormatValue(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return formatNumber(v)
	case *FormulaError:
		return v.Code.String()
	case *ArrayValue:
		return v.String()
	case *ReferenceValue:
		return v.String()
	case *LambdaValue:
		return ErrorMapper[ErrorCodeCalc]
	default:
		return toString(value)
	}
}
