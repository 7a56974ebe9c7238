package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandClient はAPIサーバーに接続するクライアントとして操作を1つ実行することを示す。
	CommandClient Command = "client"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "client":
		return CommandClient
	default:
		return CommandServe
	}
}

// ClientAction はclientサブコマンドの操作を表す。
type ClientAction string

const (
	ActionStatus         ClientAction = "status"
	ActionSignIn         ClientAction = "signin"
	ActionSignUp         ClientAction = "signup"
	ActionSignInGoogle   ClientAction = "signin-google"
	ActionSignOut        ClientAction = "signout"
	ActionProfile        ClientAction = "profile"
	ActionUpdateEmail    ClientAction = "update-email"
	ActionUpdatePassword ClientAction = "update-password"
	ActionResetPassword  ClientAction = "reset-password"
	ActionVerify         ClientAction = "verify"
	ActionWithdraw       ClientAction = "withdraw"
	ActionWatch          ClientAction = "watch"
)

// clientActions は引数の個数とともに操作を定義する。
var clientActions = map[ClientAction]int{
	ActionStatus:         0,
	ActionSignIn:         1,
	ActionSignUp:         1,
	ActionSignInGoogle:   0,
	ActionSignOut:        0,
	ActionProfile:        -1,
	ActionUpdateEmail:    1,
	ActionUpdatePassword: 0,
	ActionResetPassword:  1,
	ActionVerify:         2,
	ActionWithdraw:       0,
	ActionWatch:          0,
}

// ParseClientAction はclientサブコマンドの引数から操作と残りの引数を解析する。
// 引数が空の場合はstatusを返す。
func ParseClientAction(args []string) (ClientAction, []string, bool) {
	if len(args) == 0 {
		return ActionStatus, nil, true
	}

	action := ClientAction(args[0])
	want, ok := clientActions[action]
	if !ok {
		return "", nil, false
	}
	rest := args[1:]
	if want >= 0 && len(rest) != want {
		return "", nil, false
	}
	return action, rest, true
}
