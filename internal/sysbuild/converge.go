package sysbuild

import (
	"github.com/sirupsen/logrus"

	"sysbuilder/internal/builderr"
)

// maxConvergeAttempts bounds the doubling loop so a build that can never
// converge (e.g. a pathological system description) fails cleanly instead
// of growing the invocation table and system CNode forever.
const maxConvergeAttempts = 32

// Converge repeatedly calls Build with a growing invocation-table size and
// system-CNode size until one attempt's actual usage fits inside the sizes
// it was given, starting from the smallest size of each (spec §4.G step 14
// "Convergence"). The kernel replays the bootstrap invocations using sizes
// fixed before the system invocations they bound are known, so the sizing
// has to be guessed and checked rather than computed up front.
func Converge(in Input) (*BuiltSystem, error) {
	in.InvocationTableSize = in.Config.MinimumPageSize
	in.SystemCNodeSize = 2

	for attempt := 0; attempt < maxConvergeAttempts; attempt++ {
		built, err := Build(in)
		if err != nil {
			return nil, err
		}

		fits := built.NumberOfSystemCaps <= in.SystemCNodeSize &&
			built.InvocationDataSize <= in.InvocationTableSize

		logrus.Infof("BUILT: system_cnode_size=%d number_of_system_caps=%d invocation_table_size=%d invocation_data_size=%d",
			in.SystemCNodeSize, built.NumberOfSystemCaps, in.InvocationTableSize, built.InvocationDataSize)

		if fits {
			return built, nil
		}

		for built.NumberOfSystemCaps > in.SystemCNodeSize {
			in.SystemCNodeSize *= 2
		}
		for built.InvocationDataSize > in.InvocationTableSize {
			in.InvocationTableSize *= 2
			if in.InvocationTableSize > MaxSystemInvocationSize {
				return nil, builderr.Raw(builderr.Resource, "invocation table did not converge within the maximum of 0x%x bytes", uint64(MaxSystemInvocationSize))
			}
		}
	}
	return nil, builderr.Raw(builderr.Resource, "system did not converge after %d attempts", maxConvergeAttempts)
}
