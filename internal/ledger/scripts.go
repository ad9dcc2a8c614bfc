package ledger

import _ "embed"

//go:embed debit.lua
var debitLua string

//go:embed credit.lua
var creditLua string

//go:embed reset.lua
var resetLua string

//go:embed warmup.lua
var warmupLua string
