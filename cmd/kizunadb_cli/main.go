// Command kizunadb_cli is an interactive client for a KizunaDB cluster.
// It routes data commands to owning shards itself, stages writes under a
// session transaction, and drives two-phase commit through the
// coordinator. Admin sub-commands manage cluster membership and range
// placement over the coordinator's admin HTTP surface.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
)

var (
	coordinatorAddr = flag.String("coordinator", "127.0.0.1:9001", "Coordinator command address")
	adminAddr       = flag.String("admin", "127.0.0.1:9101", "Coordinator admin HTTP address")
	keyspace        = flag.String("keyspace", "default", "Keyspace for data commands")
)

// cliSession is the client side of a logical session: one id for the
// lifetime of the process, a transaction number that only moves forward,
// and the set of shards the open transaction has staged writes on.
type cliSession struct {
	lsid         transaction.SessionID
	txnNumber    transaction.TxnNumber
	active       bool
	participants map[transaction.ShardID]struct{}
}

type app struct {
	client  *kvClient
	session cliSession
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("begin"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("commit"),
	readline.PcItem("abort"),
	readline.PcItem("recover"),
	readline.PcItem("session"),
	readline.PcItem("status"),
	readline.PcItem("nodes"),
	readline.PcItem("records"),
	readline.PcItem("routing"),
	readline.PcItem("admin",
		readline.PcItem("assign_range"),
		readline.PcItem("remove_range"),
		readline.PcItem("set_primary"),
		readline.PcItem("join"),
		readline.PcItem("remove_peer"),
		readline.PcItem("remove_node"),
		readline.PcItem("node_for_key"),
		readline.PcItem("step_down"),
		readline.PcItem("step_up"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func main() {
	flag.Parse()

	a := &app{client: newKVClient(*coordinatorAddr, *adminAddr, *keyspace)}
	defer a.client.close()

	if err := a.client.refreshRouting(); err != nil {
		fmt.Printf("Warning: could not fetch shard map from %s: %v\n", *adminAddr, err)
		fmt.Println("Data commands will go to the coordinator until routing is available.")
	}

	// One-shot mode: arguments form a single command.
	if args := flag.Args(); len(args) > 0 {
		a.process(args)
		return
	}

	historyFile := filepath.Join(os.TempDir(), ".kizunadb_history")
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".kizunadb_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kizunadb> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start line editor: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("KizunaDB CLI. Type 'help' for commands, 'exit' to leave.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		if quit := a.process(fields); quit {
			break
		}
	}
	fmt.Println("Bye.")
}

// process runs one command. It returns true when the CLI should exit.
func (a *app) process(args []string) bool {
	switch strings.ToLower(args[0]) {
	case "begin":
		a.begin()
	case "put":
		if len(args) < 3 {
			fmt.Println("Usage: put <key> <value>")
			return false
		}
		a.write(transaction.CmdPut, args[1], strings.Join(args[2:], " "))
	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: delete <key>")
			return false
		}
		a.write(transaction.CmdDelete, args[1], "")
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: get <key>")
			return false
		}
		a.get(args[1])
	case "commit":
		a.commit()
	case "abort":
		a.abort()
	case "recover":
		a.recover()
	case "session":
		a.printSession()
	case "status":
		a.adminShow("/status")
	case "nodes":
		a.adminShow("/cluster/nodes")
	case "records":
		a.adminShow("/coordinator/records")
	case "routing":
		a.adminShow("/cluster/routing")
	case "admin":
		if len(args) < 2 {
			fmt.Println("Usage: admin <sub-command>; see help")
			return false
		}
		a.admin(args[1:])
	case "help":
		printHelp()
	case "exit", "quit":
		return true
	default:
		fmt.Printf("Unknown command %q. Type 'help' for a list.\n", args[0])
	}
	return false
}

func (a *app) begin() {
	if a.session.active {
		fmt.Printf("Transaction %d is already open; commit or abort it first.\n", a.session.txnNumber)
		return
	}
	if a.session.lsid == "" {
		a.session.lsid = transaction.SessionID(uuid.NewString())
	}
	a.session.txnNumber++
	a.session.active = true
	a.session.participants = make(map[transaction.ShardID]struct{})
	// Writes route by key, so a fresh map keeps staging on the right shards.
	if err := a.client.refreshRouting(); err != nil {
		fmt.Printf("Warning: routing refresh failed: %v\n", err)
	}
	fmt.Printf("Transaction %d started on session %s\n", a.session.txnNumber, a.session.lsid)
}

// write handles put and delete. Inside a transaction the write is staged
// on the owning shard under the session; outside one it applies
// immediately.
func (a *app) write(kind transaction.CommandKind, key, value string) {
	req := transaction.CommandRequest{Kind: kind, Key: key, Value: value}
	if a.session.active {
		req.SessionID = a.session.lsid
		req.TxnNumber = a.session.txnNumber
	}
	shard, resp, err := a.client.dataRequest(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if resp.Status != transaction.StatusOK {
		fmt.Printf("Response: Status=%s, Error='%s'\n", resp.Status, resp.Error)
		return
	}
	if a.session.active {
		a.session.participants[shard] = struct{}{}
		fmt.Printf("OK (staged on %s)\n", shard)
		return
	}
	fmt.Println("OK")
}

// get always reads committed state; staged writes of the open transaction
// are not visible until commit.
func (a *app) get(key string) {
	_, resp, err := a.client.dataRequest(transaction.CommandRequest{Kind: transaction.CmdGet, Key: key})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	switch resp.Status {
	case transaction.StatusOK:
		fmt.Println(resp.Value)
	case transaction.StatusError:
		fmt.Printf("Error: %s\n", resp.Error)
	default:
		fmt.Printf("Response: Status=%s\n", resp.Status)
	}
}

func (a *app) commit() {
	if !a.session.active {
		fmt.Println("No open transaction. Use 'begin' first.")
		return
	}
	if len(a.session.participants) == 0 {
		fmt.Println("Nothing staged; transaction closed without a commit.")
		a.session.active = false
		return
	}
	resp, err := a.client.coordinatorRequest(transaction.CommandRequest{
		Kind:         transaction.CmdCoordinateCommit,
		SessionID:    a.session.lsid,
		TxnNumber:    a.session.txnNumber,
		Participants: a.participantList(),
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		fmt.Println("The decision may still have been reached; try 'recover'.")
		return
	}
	a.printDecision(resp)
}

// abort discards the staged writes shard by shard. No coordinator is
// involved for a transaction that never started committing.
func (a *app) abort() {
	if !a.session.active {
		fmt.Println("No open transaction.")
		return
	}
	req := transaction.CommandRequest{
		Kind:      transaction.CmdAbortTransaction,
		SessionID: a.session.lsid,
		TxnNumber: a.session.txnNumber,
	}
	for _, shard := range a.participantList() {
		if _, err := a.client.shardRequest(shard, req); err != nil {
			fmt.Printf("Warning: abort on %s failed: %v\n", shard, err)
		}
	}
	a.session.active = false
	fmt.Printf("Transaction %d aborted.\n", a.session.txnNumber)
}

// recover re-asks the coordinator for the decision of the session's
// latest transaction, for when the commit reply was lost.
func (a *app) recover() {
	if a.session.lsid == "" || a.session.txnNumber == 0 {
		fmt.Println("No transaction on this session yet.")
		return
	}
	resp, err := a.client.coordinatorRequest(transaction.CommandRequest{
		Kind:      transaction.CmdRecoverDecision,
		SessionID: a.session.lsid,
		TxnNumber: a.session.txnNumber,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	a.printDecision(resp)
}

func (a *app) printDecision(resp transaction.CommandResponse) {
	switch resp.Status {
	case transaction.StatusCommitted:
		a.session.active = false
		if resp.CommitTimestamp != nil {
			fmt.Printf("Committed at %s\n", resp.CommitTimestamp)
		} else {
			fmt.Println("Committed")
		}
	case transaction.StatusAborted:
		a.session.active = false
		fmt.Printf("Aborted: %s\n", resp.Error)
	default:
		fmt.Printf("Response: Status=%s, Error='%s'\n", resp.Status, resp.Error)
	}
}

func (a *app) participantList() transaction.ParticipantList {
	list := make(transaction.ParticipantList, 0, len(a.session.participants))
	for shard := range a.session.participants {
		list = append(list, shard)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

func (a *app) printSession() {
	if a.session.lsid == "" {
		fmt.Println("No session yet; 'begin' starts one.")
		return
	}
	fmt.Printf("Session:     %s\n", a.session.lsid)
	fmt.Printf("Transaction: %d (active: %v)\n", a.session.txnNumber, a.session.active)
	if a.session.active {
		fmt.Printf("Staged on:   %v\n", a.participantList())
	}
}

func (a *app) adminShow(path string) {
	body, err := a.client.adminGet(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(body)
}

func (a *app) admin(args []string) {
	sub := strings.ToLower(args[0])
	rest := args[1:]
	var out string
	var err error
	switch sub {
	case "assign_range", "set_primary":
		if len(rest) < 4 {
			fmt.Printf("Usage: admin %s <keyspace> <start> <end> <nodeID> [replica...]\n", sub)
			return
		}
		var rng topology.SlotRange
		rng.Keyspace = rest[0]
		if rng.Start, err = strconv.Atoi(rest[1]); err == nil {
			rng.End, err = strconv.Atoi(rest[2])
		}
		if err != nil {
			fmt.Println("Error: start and end must be slot numbers.")
			return
		}
		rng.NodeID = rest[3]
		rng.Replicas = rest[4:]
		out, err = a.client.adminPost("/cluster/"+sub, rng)
	case "remove_range":
		if len(rest) < 3 {
			fmt.Println("Usage: admin remove_range <keyspace> <start> <end>")
			return
		}
		out, err = a.client.adminPost(fmt.Sprintf("/cluster/remove_range?keyspace=%s&start=%s&end=%s",
			url.QueryEscape(rest[0]), url.QueryEscape(rest[1]), url.QueryEscape(rest[2])), nil)
	case "join":
		if len(rest) < 2 {
			fmt.Println("Usage: admin join <nodeID> <raftAddr>")
			return
		}
		out, err = a.client.adminPost(fmt.Sprintf("/cluster/join?nodeId=%s&peerAddress=%s",
			url.QueryEscape(rest[0]), url.QueryEscape(rest[1])), nil)
	case "remove_peer":
		if len(rest) < 1 {
			fmt.Println("Usage: admin remove_peer <nodeID>")
			return
		}
		out, err = a.client.adminPost("/cluster/remove_peer?nodeId="+url.QueryEscape(rest[0]), nil)
	case "remove_node":
		if len(rest) < 1 {
			fmt.Println("Usage: admin remove_node <nodeID>")
			return
		}
		out, err = a.client.adminPost("/cluster/remove_node?nodeId="+url.QueryEscape(rest[0]), nil)
	case "node_for_key":
		if len(rest) < 1 {
			fmt.Println("Usage: admin node_for_key <key>")
			return
		}
		out, err = a.client.adminGet(fmt.Sprintf("/cluster/node_for_key?keyspace=%s&key=%s",
			url.QueryEscape(a.client.keyspace), url.QueryEscape(rest[0])))
	case "step_down":
		out, err = a.client.adminPost("/coordinator/step_down", nil)
	case "step_up":
		out, err = a.client.adminPost("/coordinator/step_up", nil)
	default:
		fmt.Printf("Unknown admin sub-command %q. Type 'help' for a list.\n", sub)
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(out)
}

func printHelp() {
	fmt.Println("Data commands:")
	fmt.Println("  put <key> <value>      write a key (staged when a transaction is open)")
	fmt.Println("  get <key>              read a key's committed value")
	fmt.Println("  delete <key>           delete a key (staged when a transaction is open)")
	fmt.Println("Transactions:")
	fmt.Println("  begin                  open a transaction on this session")
	fmt.Println("  commit                 run two-phase commit across the staged shards")
	fmt.Println("  abort                  discard the staged writes")
	fmt.Println("  recover                re-fetch the decision of the latest transaction")
	fmt.Println("  session                show session id, transaction number, staged shards")
	fmt.Println("Cluster:")
	fmt.Println("  status | nodes | records | routing")
	fmt.Println("  admin assign_range <keyspace> <start> <end> <nodeID> [replica...]")
	fmt.Println("  admin set_primary <keyspace> <start> <end> <nodeID> [replica...]")
	fmt.Println("  admin remove_range <keyspace> <start> <end>")
	fmt.Println("  admin join <nodeID> <raftAddr>")
	fmt.Println("  admin remove_peer <nodeID> | admin remove_node <nodeID>")
	fmt.Println("  admin node_for_key <key>")
	fmt.Println("  admin step_down | admin step_up")
	fmt.Println("  help | exit | quit")
}
